package solana

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/token-distributor/internal/chain"
	"github.com/emperorhan/token-distributor/internal/chain/ratelimit"
	"github.com/emperorhan/token-distributor/internal/chain/solana/rpc"
	"github.com/emperorhan/token-distributor/internal/domain/model"
)

const chainName = "solana"

type Adapter struct {
	client rpc.RPCClient
	logger *slog.Logger

	// probeCommitment is used for ATA existence checks during packing.
	probeCommitment model.Commitment
	// blockhashCommitment must match the commitment of FinalizedBlockHeight so
	// that expiry is judged against the same view of the chain.
	blockhashCommitment model.Commitment
}

var _ chain.TransferChain = (*Adapter)(nil)

type AdapterOption func(*Adapter)

// WithProbeCommitment overrides the commitment used by AccountExists.
func WithProbeCommitment(c model.Commitment) AdapterOption {
	return func(a *Adapter) {
		a.probeCommitment = c
	}
}

// WithRPCTimeout bounds each JSON-RPC request.
func WithRPCTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if c, ok := a.client.(*rpc.Client); ok {
			rpc.WithTimeout(d)(c)
		}
	}
}

func NewAdapter(rpcURL string, logger *slog.Logger, opts ...AdapterOption) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		client:              rpc.NewClient(rpcURL, logger),
		logger:              logger.With("chain", chainName),
		probeCommitment:     model.CommitmentProcessed,
		blockhashCommitment: model.CommitmentFinalized,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// SetRateLimiter applies a rate limiter to the underlying RPC client.
func (a *Adapter) SetRateLimiter(l *ratelimit.Limiter) {
	if c, ok := a.client.(*rpc.Client); ok {
		c.SetRateLimiter(l)
	}
}

func (a *Adapter) Chain() string {
	return chainName
}

func (a *Adapter) AccountExists(ctx context.Context, address string) (bool, error) {
	info, err := a.client.GetAccountInfo(ctx, address, a.probeCommitment.String())
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

func (a *Adapter) LatestBlockhash(ctx context.Context) (chain.Blockhash, error) {
	lb, err := a.client.GetLatestBlockhash(ctx, a.blockhashCommitment.String())
	if err != nil {
		return chain.Blockhash{}, err
	}
	return chain.Blockhash{
		Hash:                 lb.Blockhash,
		LastValidBlockHeight: lb.LastValidBlockHeight,
	}, nil
}

func (a *Adapter) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	zero := uint(0)
	return a.client.SendTransaction(ctx, raw, rpc.SendOptions{
		SkipPreflight: true,
		MaxRetries:    &zero,
	})
}

// SignatureStatus looks the signature up including transaction history, so
// that a batch completed long ago is still found.
func (a *Adapter) SignatureStatus(ctx context.Context, signature string) (*chain.TxStatus, error) {
	statuses, err := a.client.GetSignatureStatuses(ctx, []string{signature}, true)
	if err != nil {
		return nil, err
	}
	if len(statuses) != 1 {
		return nil, fmt.Errorf("signature status %s: got %d entries", signature, len(statuses))
	}
	s := statuses[0]
	if s == nil {
		return nil, nil
	}
	return &chain.TxStatus{
		Slot:      s.Slot,
		Finalized: s.ConfirmationStatus == model.CommitmentFinalized.String(),
		Err:       s.Err,
	}, nil
}

func (a *Adapter) FinalizedBlockHeight(ctx context.Context) (uint64, error) {
	return a.client.GetBlockHeight(ctx, model.CommitmentFinalized.String())
}

package chain

import (
	"context"
	"encoding/json"
)

// TransferChain is the narrow view of a chain the distribution process needs:
// account probes for packing, a recent blockhash, raw submission and status
// lookup by signature.
type TransferChain interface {
	// Chain returns the chain identifier (e.g., "solana").
	Chain() string

	// AccountExists reports whether address holds an account at the
	// configured probe commitment.
	AccountExists(ctx context.Context, address string) (bool, error)

	// LatestBlockhash returns a blockhash to sign against and the last block
	// height at which it is still accepted.
	LatestBlockhash(ctx context.Context) (Blockhash, error)

	// SendRawTransaction submits a signed, serialized transaction without
	// preflight or node-side rebroadcast and returns the signature the node
	// reports.
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)

	// SignatureStatus returns nil when the node has never seen signature.
	SignatureStatus(ctx context.Context, signature string) (*TxStatus, error)

	// FinalizedBlockHeight returns the block height at finalized commitment.
	FinalizedBlockHeight(ctx context.Context) (uint64, error)
}

// Blockhash is a recent blockhash with its validity horizon.
type Blockhash struct {
	Hash                 string
	LastValidBlockHeight uint64
}

// TxStatus is the on-chain status of a submitted transaction.
type TxStatus struct {
	Slot      uint64
	Finalized bool
	// Err is the raw transaction error; nil when the transaction succeeded.
	Err json.RawMessage
}

// Failed reports whether the transaction landed with an error.
func (s *TxStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emperorhan/token-distributor/internal/alert"
	"github.com/emperorhan/token-distributor/internal/batch"
	"github.com/emperorhan/token-distributor/internal/chain"
	solanachain "github.com/emperorhan/token-distributor/internal/chain/solana"
	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/metrics"
	"github.com/emperorhan/token-distributor/internal/pipeline/retry"
	"github.com/emperorhan/token-distributor/internal/store"
	"github.com/emperorhan/token-distributor/internal/tracing"
	"github.com/emperorhan/token-distributor/internal/wallet"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultPageSize is how many distributions one packing pass fetches.
const DefaultPageSize = 19

const expiredMessage = "expired: block height exceeded"

var (
	ErrNoWallets = wallet.ErrNoWallets

	// ErrConsistencyViolation is returned when the node reports a signature
	// other than the one derived locally from the signed transaction.
	ErrConsistencyViolation = errors.New("consistency violation")
)

// Wallets selects the signing wallet for an attempt and signs with it.
type Wallets interface {
	Select(ctx context.Context) (*model.Wallet, error)
	SignTransaction(ctx context.Context, names []string, tx *solana.Transaction) error
}

// ProcessDeps are the collaborators of a Process.
type ProcessDeps struct {
	DB      store.TxBeginner
	Batches store.BatchRepository
	Manager *batch.Manager
	Source  store.DistributionSource
	Wallets Wallets
	Chain   chain.TransferChain
	Builder *solanachain.TransferBuilder
	Alerter alert.Alerter
}

// Process moves distributions through batches: ConstructBatches packs
// pending distributions, ProcessBatches signs and submits Initialized
// batches and CompleteBatches resolves Processing batches against the chain.
// Every unit of work runs in its own database transaction.
type Process struct {
	db       store.TxBeginner
	batches  store.BatchRepository
	manager  *batch.Manager
	source   store.DistributionSource
	wallets  Wallets
	chain    chain.TransferChain
	builder  *solanachain.TransferBuilder
	alerter  alert.Alerter
	logger   *slog.Logger
	pageSize int

	// Packing runs against a stand-in payer. Every payer encodes to the same
	// size, so the real wallet is only chosen at submission time.
	placeholderPayer solana.PublicKey
}

type ProcessOption func(*Process)

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) ProcessOption {
	return func(p *Process) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

func NewProcess(deps ProcessDeps, logger *slog.Logger, opts ...ProcessOption) *Process {
	p := &Process{
		db:               deps.DB,
		batches:          deps.Batches,
		manager:          deps.Manager,
		source:           deps.Source,
		wallets:          deps.Wallets,
		chain:            deps.Chain,
		builder:          deps.Builder,
		alerter:          deps.Alerter,
		logger:           logger.With("component", "process"),
		pageSize:         DefaultPageSize,
		placeholderPayer: solana.NewWallet().PublicKey(),
	}
	if p.alerter == nil {
		p.alerter = &alert.NoopAlerter{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// unit is the state of one transactional unit of work. ctx is detached from
// cancellation so a unit that already talked to the chain still commits
// what it learned.
type unit struct {
	ctx    context.Context
	tx     *sql.Tx
	alerts []alert.Alert
}

func (u *unit) alert(a alert.Alert) {
	u.alerts = append(u.alerts, a)
}

// withTx runs fn in a transaction. The transaction commits when fn returns
// nil and rolls back otherwise. Alerts queued by fn are sent after commit.
func (p *Process) withTx(ctx context.Context, fn func(u *unit) error) error {
	dbCtx := context.WithoutCancel(ctx)
	tx, err := p.db.BeginTx(dbCtx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	u := &unit{ctx: dbCtx, tx: tx}
	if err := fn(u); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true

	for _, a := range u.alerts {
		p.sendAlert(ctx, a)
	}
	return nil
}

func (p *Process) sendAlert(ctx context.Context, a alert.Alert) {
	if err := p.alerter.Send(context.WithoutCancel(ctx), a); err != nil {
		p.logger.Warn("send alert failed", "type", a.Type, "subject", a.Subject, "error", err)
	}
}

// tokenAccountPlan records the recipient token accounts one transaction
// already creates. The create instruction fails on an existing account, so a
// second distribution to the same new recipient must only transfer.
type tokenAccountPlan map[solana.PublicKey]struct{}

// instructions returns the instructions paying d from payer, probing the
// chain for the recipient's token account unless plan already creates it.
// The returned account is non-zero when the instructions include its
// creation; the caller adds it to plan once the instructions are kept.
func (p *Process) instructions(ctx context.Context, payer solana.PublicKey, d model.Distribution, plan tokenAccountPlan) ([]solana.Instruction, solana.PublicKey, error) {
	dest, err := p.builder.TokenAccount(d.Recipient)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	exists := true
	if _, planned := plan[dest]; !planned {
		exists, err = p.chain.AccountExists(ctx, dest.String())
		if err != nil {
			return nil, solana.PublicKey{}, fmt.Errorf("probe token account of %s: %w", d.Recipient, err)
		}
	}
	instrs, err := p.builder.Instructions(payer, d, exists)
	if err != nil || exists {
		return instrs, solana.PublicKey{}, err
	}
	return instrs, dest, nil
}

// ConstructBatches runs packing passes until the source has nothing left or
// a pass fails, and returns the number of distributions packed.
func (p *Process) ConstructBatches(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := p.constructPass(ctx)
		if err != nil {
			p.reportUnitError(ctx, "construct", "", err)
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		p.logger.Info("construct finished", "packed", total)
	}
	return total, nil
}

// constructPass fetches one page and packs it from the tail into a single
// batch. Distributions that do not fit are handed back to the source.
func (p *Process) constructPass(ctx context.Context) (packedCount int, err error) {
	ctx, span := tracing.StartUnit(ctx, "process.construct")
	defer func() { tracing.End(span, err) }()

	err = p.withTx(ctx, func(u *unit) error {
		fetched, err := p.source.FetchTx(u.ctx, u.tx, p.pageSize)
		if err != nil {
			return fmt.Errorf("fetch distributions: %w", err)
		}
		if len(fetched) == 0 {
			return nil
		}

		pending := make([]model.Distribution, len(fetched))
		copy(pending, fetched)

		packer := solanachain.NewPacker(p.placeholderPayer, solanachain.PlaceholderBlockhash)
		plan := make(tokenAccountPlan)
		var packed []model.Distribution
		for len(pending) > 0 {
			d := pending[len(pending)-1]
			instrs, created, err := p.instructions(ctx, p.placeholderPayer, d, plan)
			if err != nil {
				return err
			}
			if !packer.TryAdd(instrs) {
				break
			}
			if !created.IsZero() {
				plan[created] = struct{}{}
			}
			pending = pending[:len(pending)-1]
			packed = append(packed, d)
		}

		if len(pending) > 0 {
			if err := p.source.OnReturnedTx(u.ctx, u.tx, pending); err != nil {
				return fmt.Errorf("return unpacked distributions: %w", err)
			}
			metrics.DistributionsReturned.Add(float64(len(pending)))
		}
		if len(packed) == 0 {
			p.logger.Warn("no distribution fits an empty transaction", "fetched", len(fetched))
			return nil
		}

		b, err := p.manager.Create(u.ctx, u.tx, packed)
		if err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		metrics.DistributionsPacked.Add(float64(len(packed)))
		span.SetAttributes(attribute.String("batch_id", b.ID.String()))
		packedCount = len(packed)
		p.logger.Debug("distributions packed",
			"batch_id", b.ID,
			"packed", len(packed),
			"returned", len(pending),
			"message_size", packer.Size(),
			"instructions", len(packer.Instructions()),
		)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return packedCount, nil
}

// ProcessBatches signs and submits every Initialized batch, oldest first.
// A failing batch is logged and skipped; only a missing wallet ends the pass.
func (p *Process) ProcessBatches(ctx context.Context) error {
	ids, err := p.batches.ListIDsByState(ctx, model.BatchStateInitialized, store.OrderByCreatedAt)
	if err != nil {
		return fmt.Errorf("list initialized batches: %w", err)
	}
	if len(ids) > 0 {
		p.logger.Info("processing batches", "count", len(ids))
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := p.processBatch(ctx, id)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrNoWallets) {
			p.logger.Error("no wallets found", "batch_id", id)
			p.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeNoWallets,
				Subject: "process",
				Title:   "No signing wallets registered",
				Message: "Initialized batches are waiting but no wallet is available to sign them.",
				Fields:  map[string]string{"pending_batches": fmt.Sprint(len(ids))},
			})
			return err
		}
		p.reportUnitError(ctx, "process", id.String(), err)
	}
	return nil
}

func (p *Process) processBatch(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := tracing.StartUnit(ctx, "process.submit", attribute.String("batch_id", id.String()))
	defer func() { tracing.End(span, err) }()

	return p.withTx(ctx, func(u *unit) error {
		b, err := p.manager.Get(u.ctx, u.tx, id)
		if err != nil {
			return err
		}
		if b == nil || b.State != model.BatchStateInitialized {
			p.logger.Debug("batch no longer initialized, skipping", "batch_id", id)
			return nil
		}

		w, err := p.wallets.Select(u.ctx)
		if err != nil {
			return err
		}

		var instrs []solana.Instruction
		plan := make(tokenAccountPlan)
		for _, d := range b.Distributions {
			ds, created, err := p.instructions(ctx, w.Address, d, plan)
			if err != nil {
				return err
			}
			if !created.IsZero() {
				plan[created] = struct{}{}
			}
			instrs = append(instrs, ds...)
		}

		bh, err := p.chain.LatestBlockhash(ctx)
		if err != nil {
			return fmt.Errorf("latest blockhash: %w", err)
		}
		hash, err := solana.HashFromBase58(bh.Hash)
		if err != nil {
			return fmt.Errorf("decode blockhash %q: %w", bh.Hash, err)
		}

		stx, err := solana.NewTransaction(instrs, hash, solana.TransactionPayer(w.Address))
		if err != nil {
			return fmt.Errorf("build transaction: %w", err)
		}
		if err := p.wallets.SignTransaction(u.ctx, []string{w.Name}, stx); err != nil {
			return fmt.Errorf("sign transaction: %w", err)
		}
		if len(stx.Signatures) == 0 {
			return errors.New("signed transaction carries no signature")
		}
		txID := stx.Signatures[0].String()

		if _, err := p.manager.Process(u.ctx, u.tx, b.ID, w.Name, model.BatchTx{
			Signature:            txID,
			Blockhash:            bh.Hash,
			LastValidBlockHeight: bh.LastValidBlockHeight,
		}); err != nil {
			return err
		}

		raw, err := solanachain.SerializeTransaction(stx)
		if err != nil {
			metrics.SendRejectedTotal.Inc()
			p.logger.Error("serialize transaction failed", "batch_id", b.ID, "error", err)
			return p.failBatch(u, b.ID, err.Error())
		}

		sig, err := p.chain.SendRawTransaction(ctx, raw)
		if err != nil {
			if retry.IsAmbiguous(err) {
				// Outcome unknown: keep Processing and let completion decide.
				metrics.SendAmbiguousTotal.Inc()
				p.logger.Warn("send outcome unknown, leaving batch processing",
					"batch_id", b.ID,
					"signature", txID,
					"error", err,
				)
				return nil
			}
			metrics.SendRejectedTotal.Inc()
			p.logger.Error("send transaction failed", "batch_id", b.ID, "signature", txID, "error", err)
			return p.failBatch(u, b.ID, err.Error())
		}
		if sig != txID {
			metrics.ConsistencyViolationsTotal.Inc()
			return fmt.Errorf("%w: batch %s sent as %s but node returned %s", ErrConsistencyViolation, b.ID, txID, sig)
		}

		span.SetAttributes(attribute.String("signature", txID))
		p.logger.Info("batch submitted",
			"batch_id", b.ID,
			"wallet", w.Name,
			"signature", txID,
			"last_valid_block_height", bh.LastValidBlockHeight,
		)
		return nil
	})
}

// CompleteBatches resolves every Processing batch, oldest attempt first.
func (p *Process) CompleteBatches(ctx context.Context) error {
	ids, err := p.batches.ListIDsByState(ctx, model.BatchStateProcessing, store.OrderByProcessedAt)
	if err != nil {
		return fmt.Errorf("list processing batches: %w", err)
	}
	if len(ids) > 0 {
		p.logger.Info("completing batches", "count", len(ids))
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.completeBatch(ctx, id); err != nil {
			p.reportUnitError(ctx, "complete", id.String(), err)
		}
	}
	return nil
}

func (p *Process) completeBatch(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := tracing.StartUnit(ctx, "process.complete", attribute.String("batch_id", id.String()))
	defer func() { tracing.End(span, err) }()

	return p.withTx(ctx, func(u *unit) error {
		b, err := p.manager.Get(u.ctx, u.tx, id)
		if err != nil {
			return err
		}
		if b == nil || b.State != model.BatchStateProcessing {
			p.logger.Debug("batch no longer processing, skipping", "batch_id", id)
			return nil
		}
		if b.Tx == nil {
			return fmt.Errorf("batch %s: processing without transaction: %w", id, store.ErrDataCorruption)
		}
		signature := b.Tx.Signature

		status, err := p.chain.SignatureStatus(ctx, signature)
		if err != nil {
			return fmt.Errorf("signature status: %w", err)
		}

		if status == nil {
			height, err := p.chain.FinalizedBlockHeight(ctx)
			if err != nil {
				return fmt.Errorf("finalized block height: %w", err)
			}
			if height <= b.Tx.LastValidBlockHeight {
				p.logger.Debug("transaction not found yet",
					"batch_id", id,
					"signature", signature,
					"block_height", height,
					"last_valid_block_height", b.Tx.LastValidBlockHeight,
				)
				return nil
			}

			metrics.BlockhashExpiredTotal.Inc()
			p.logger.Warn("blockhash expired without a trace of the transaction, retrying batch",
				"batch_id", id,
				"signature", signature,
				"block_height", height,
				"last_valid_block_height", b.Tx.LastValidBlockHeight,
			)
			msg := expiredMessage
			if _, err := p.manager.Complete(u.ctx, u.tx, id, &msg); err != nil {
				return err
			}
			_, err = p.manager.Retry(u.ctx, u.tx, id)
			return err
		}

		if status.Failed() {
			p.logger.Error("transaction failed on chain", "batch_id", id, "signature", signature, "error", string(status.Err))
			if err := p.failBatch(u, id, string(status.Err)); err != nil {
				return err
			}
			u.alert(alert.Alert{
				Type:    alert.AlertTypeBatchFailed,
				Subject: id.String(),
				Title:   "Batch transaction failed",
				Message: string(status.Err),
				Fields:  map[string]string{"batch_id": id.String(), "signature": signature},
			})
			return nil
		}

		if !status.Finalized {
			p.logger.Debug("transaction not finalized yet", "batch_id", id, "signature", signature, "slot", status.Slot)
			return nil
		}

		return p.succeedBatch(u, id, signature)
	})
}

// failBatch marks a Processing batch Failed with message and hands its
// distributions back to the source.
func (p *Process) failBatch(u *unit, id uuid.UUID, message string) error {
	b, err := p.manager.Complete(u.ctx, u.tx, id, &message)
	if err != nil {
		return err
	}
	if err := p.source.OnReturnedTx(u.ctx, u.tx, b.Distributions); err != nil {
		return fmt.Errorf("return distributions of batch %s: %w", id, err)
	}
	metrics.DistributionsReturned.Add(float64(len(b.Distributions)))
	return nil
}

// succeedBatch marks a Processing batch Success and reports its
// distributions completed by signature.
func (p *Process) succeedBatch(u *unit, id uuid.UUID, signature string) error {
	b, err := p.manager.Complete(u.ctx, u.tx, id, nil)
	if err != nil {
		return err
	}
	if err := p.source.OnCompletedTx(u.ctx, u.tx, b.Distributions, signature); err != nil {
		return fmt.Errorf("complete distributions of batch %s: %w", id, err)
	}
	metrics.DistributionsCompleted.Add(float64(len(b.Distributions)))
	p.logger.Info("batch succeeded", "batch_id", id, "signature", signature, "distributions", len(b.Distributions))
	return nil
}

// reportUnitError logs a failed unit. Integrity failures are also counted
// and raised as alerts.
func (p *Process) reportUnitError(ctx context.Context, phase, subject string, err error) {
	decision := retry.Classify(err)
	metrics.UnitErrorsTotal.WithLabelValues(phase, string(decision.Class)).Inc()
	attrs := []any{"phase", phase, "error", err, "retry_class", decision.Class, "retry_reason", decision.Reason}
	if subject != "" {
		attrs = append(attrs, "batch_id", subject)
	}

	switch {
	case errors.Is(err, ErrConsistencyViolation):
		p.logger.Error("consistency violation", attrs...)
		p.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeConsistencyViolation,
			Subject: subject,
			Title:   "Node returned an unexpected signature",
			Message: err.Error(),
			Fields:  map[string]string{"phase": phase},
		})
	case errors.Is(err, store.ErrDataCorruption):
		metrics.DataCorruptionTotal.Inc()
		p.logger.Error("data corruption detected", attrs...)
		p.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeDataCorruption,
			Subject: subject,
			Title:   "Stored record failed integrity check",
			Message: err.Error(),
			Fields:  map[string]string{"phase": phase},
		})
	case errors.Is(err, store.ErrStaleVersion):
		metrics.StaleVersionTotal.Inc()
		p.logger.Warn("batch changed concurrently, will retry", attrs...)
	case errors.Is(err, context.Canceled):
		p.logger.Info("unit interrupted by shutdown", attrs...)
	case decision.IsTransient():
		p.logger.Warn("unit failed, will retry", attrs...)
	default:
		p.logger.Error("unit failed", attrs...)
	}
}

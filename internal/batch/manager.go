// Package batch applies batch state transitions against the store. Every
// operation loads a fresh copy inside the caller's transaction, mutates it
// and saves it back; no batch is cached between calls.
package batch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/metrics"
	"github.com/emperorhan/token-distributor/internal/store"
	"github.com/google/uuid"
)

type Manager struct {
	repo   store.BatchRepository
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Manager)

// WithClock overrides the time source used for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(repo store.BatchRepository, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		logger: logger.With("component", "batch_manager"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create persists a new Initialized batch holding distributions.
func (m *Manager) Create(ctx context.Context, tx *sql.Tx, distributions []model.Distribution) (*model.Batch, error) {
	b, err := model.NewBatch(distributions, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.repo.SaveTx(ctx, tx, b); err != nil {
		return nil, fmt.Errorf("save new batch: %w", err)
	}

	metrics.BatchesCreated.Inc()
	metrics.BatchSize.Observe(float64(len(b.Distributions)))
	m.logger.Info("batch created",
		"batch_id", b.ID,
		"distributions", model.DistributionIDs(b.Distributions),
	)
	return b, nil
}

// Get loads a batch, or nil when it does not exist.
func (m *Manager) Get(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Batch, error) {
	return m.repo.GetByIDTx(ctx, tx, id)
}

func (m *Manager) mustGet(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Batch, error) {
	b, err := m.repo.GetByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("batch %s not found", id)
	}
	return b, nil
}

// Process records the submission attempt and moves the batch to Processing.
func (m *Manager) Process(ctx context.Context, tx *sql.Tx, id uuid.UUID, walletName string, btx model.BatchTx) (*model.Batch, error) {
	b, err := m.mustGet(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := b.Process(walletName, btx, m.now()); err != nil {
		return nil, err
	}
	if err := m.repo.SaveTx(ctx, tx, b); err != nil {
		return nil, fmt.Errorf("save processing batch: %w", err)
	}

	metrics.BatchTransitions.WithLabelValues(b.State.String()).Inc()
	m.logger.Info("batch processing",
		"batch_id", b.ID,
		"state", b.State,
		"wallet", walletName,
		"signature", btx.Signature,
	)
	return b, nil
}

// Complete finishes a Processing batch: Success when message is nil,
// Failed with message otherwise.
func (m *Manager) Complete(ctx context.Context, tx *sql.Tx, id uuid.UUID, message *string) (*model.Batch, error) {
	b, err := m.mustGet(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if message == nil {
		err = b.Succeed(m.now())
	} else {
		err = b.Fail(*message, m.now())
	}
	if err != nil {
		return nil, err
	}
	if err := m.repo.SaveTx(ctx, tx, b); err != nil {
		return nil, fmt.Errorf("save completed batch: %w", err)
	}

	metrics.BatchTransitions.WithLabelValues(b.State.String()).Inc()
	attrs := []any{"batch_id", b.ID, "state", b.State}
	if message != nil {
		attrs = append(attrs, "message", *message)
	}
	m.logger.Info("batch completed", attrs...)
	return b, nil
}

// Retry resets a Failed batch to Initialized. The discarded attempt is
// logged as the audit record of the retry.
func (m *Manager) Retry(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Batch, error) {
	b, err := m.mustGet(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	snap, err := b.Retry()
	if err != nil {
		return nil, err
	}
	if err := m.repo.SaveTx(ctx, tx, b); err != nil {
		return nil, fmt.Errorf("save retried batch: %w", err)
	}

	metrics.BatchTransitions.WithLabelValues("Retried").Inc()
	m.logger.Info("batch retried",
		"batch_id", b.ID,
		"state", b.State,
		previousAttempt(snap),
	)
	return b, nil
}

func previousAttempt(snap model.RetrySnapshot) slog.Attr {
	return slog.Group("previous",
		"wallet_name", snap.WalletName,
		"signature", snap.Tx.Signature,
		"blockhash", snap.Tx.Blockhash,
		"last_valid_block_height", snap.Tx.LastValidBlockHeight,
		"message", snap.Message,
		"processed_at", snap.ProcessedAt,
		"completed_at", snap.CompletedAt,
	)
}

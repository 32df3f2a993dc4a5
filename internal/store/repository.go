//go:generate mockgen -source=repository.go -destination=mocks/mock_repository.go -package=mocks

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

var (
	// ErrDataCorruption is returned when a stored record no longer matches
	// its integrity digest. The record must not be used.
	ErrDataCorruption = errors.New("data corruption")

	// ErrStaleVersion is returned when a save loses an optimistic lock race
	// against another writer of the same batch.
	ErrStaleVersion = errors.New("stale batch version")

	// ErrConflict is returned when an insert collides with a unique
	// constraint, such as a wallet name or address registered concurrently.
	ErrConflict = errors.New("unique constraint conflict")
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// ListOrder selects the timestamp a batch listing is sorted by.
type ListOrder int

const (
	OrderByCreatedAt ListOrder = iota
	OrderByProcessedAt
)

// BatchRepository persists batches. Every read verifies the record digest.
type BatchRepository interface {
	// SaveTx inserts a new batch (Version == 0) or updates an existing one
	// guarded by its version. On success b.Version is advanced.
	SaveTx(ctx context.Context, tx *sql.Tx, b *model.Batch) error
	// GetByIDTx locks and loads a batch. Returns nil, nil when absent.
	GetByIDTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Batch, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Batch, error)
	ListIDsByState(ctx context.Context, state model.BatchState, order ListOrder) ([]uuid.UUID, error)
	ListByState(ctx context.Context, state model.BatchState, limit int) ([]model.Batch, error)
	CountByState(ctx context.Context) (map[model.BatchState]int, error)
}

// WalletRepository persists signing wallets. Every read verifies the record digest.
type WalletRepository interface {
	Save(ctx context.Context, w *model.Wallet) error
	GetAll(ctx context.Context) ([]model.Wallet, error)
	GetByName(ctx context.Context, name string) (*model.Wallet, error)
	GetByAddress(ctx context.Context, address solana.PublicKey) (*model.Wallet, error)
}

// DistributionSource is where pending distributions come from and where
// their outcomes are reported. Calls share the caller's transaction so the
// bookkeeping commits together with the batch.
type DistributionSource interface {
	// FetchTx reserves up to limit pending distributions.
	FetchTx(ctx context.Context, tx *sql.Tx, limit int) ([]model.Distribution, error)
	// OnReturnedTx releases distributions so a later fetch can pick them up.
	OnReturnedTx(ctx context.Context, tx *sql.Tx, ds []model.Distribution) error
	// OnCompletedTx records distributions as paid by the given transaction.
	OnCompletedTx(ctx context.Context, tx *sql.Tx, ds []model.Distribution, signature string) error
}

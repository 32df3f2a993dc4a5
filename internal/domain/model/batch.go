package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrIllegalState is returned when a batch transition is attempted from a
// state other than its required source state. It signals a bug or corrupted
// data and must abort the enclosing unit of work.
var ErrIllegalState = errors.New("illegal batch state")

type BatchState string

const (
	BatchStateInitialized BatchState = "Initialized"
	BatchStateProcessing  BatchState = "Processing"
	BatchStateSuccess     BatchState = "Success"
	BatchStateFailed      BatchState = "Failed"
)

func (s BatchState) String() string {
	return string(s)
}

func (s BatchState) IsValid() bool {
	switch s {
	case BatchStateInitialized, BatchStateProcessing, BatchStateSuccess, BatchStateFailed:
		return true
	}
	return false
}

// BatchTx identifies the on-chain transaction submitted for a batch attempt.
type BatchTx struct {
	Signature            string `json:"signature"`
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"last_valid_block_height"`
}

// Batch is a fixed set of distributions moved through one transaction attempt
// at a time: Initialized → Processing → Success | Failed, Failed → Initialized.
type Batch struct {
	ID            uuid.UUID
	Distributions []Distribution
	CreatedAt     time.Time
	State         BatchState
	WalletName    *string
	Tx            *BatchTx
	Message       *string
	ProcessedAt   *time.Time
	CompletedAt   *time.Time

	// Version is the optimistic lock counter maintained by the store.
	// Zero means the batch has never been persisted.
	Version int64
}

// RetrySnapshot captures the attempt data a batch held before Retry reset it.
type RetrySnapshot struct {
	WalletName  string    `json:"wallet_name"`
	Tx          BatchTx   `json:"tx"`
	Message     string    `json:"message"`
	ProcessedAt time.Time `json:"processed_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewBatch creates an Initialized batch owning a copy of distributions.
func NewBatch(distributions []Distribution, now time.Time) (*Batch, error) {
	if len(distributions) == 0 {
		return nil, errors.New("new batch: empty distributions")
	}
	owned := make([]Distribution, len(distributions))
	copy(owned, distributions)

	return &Batch{
		ID:            uuid.New(),
		Distributions: owned,
		CreatedAt:     now,
		State:         BatchStateInitialized,
	}, nil
}

func (b *Batch) illegal(op string, want BatchState) error {
	return fmt.Errorf("%s batch %s: %w: %s (want %s)", op, b.ID, ErrIllegalState, b.State, want)
}

// Process moves an Initialized batch to Processing and records the attempt.
func (b *Batch) Process(walletName string, tx BatchTx, now time.Time) error {
	if b.State != BatchStateInitialized {
		return b.illegal("process", BatchStateInitialized)
	}

	b.State = BatchStateProcessing
	b.WalletName = &walletName
	b.Tx = &tx
	b.ProcessedAt = &now
	return nil
}

func (b *Batch) Succeed(now time.Time) error {
	if b.State != BatchStateProcessing {
		return b.illegal("succeed", BatchStateProcessing)
	}

	b.State = BatchStateSuccess
	b.CompletedAt = &now
	return nil
}

func (b *Batch) Fail(message string, now time.Time) error {
	if b.State != BatchStateProcessing {
		return b.illegal("fail", BatchStateProcessing)
	}

	b.State = BatchStateFailed
	b.Message = &message
	b.CompletedAt = &now
	return nil
}

// Retry resets a Failed batch to Initialized so it can be resubmitted with the
// same distributions. The discarded attempt is returned for audit logging.
func (b *Batch) Retry() (RetrySnapshot, error) {
	if b.State != BatchStateFailed {
		return RetrySnapshot{}, b.illegal("retry", BatchStateFailed)
	}

	var snap RetrySnapshot
	if b.WalletName != nil {
		snap.WalletName = *b.WalletName
	}
	if b.Tx != nil {
		snap.Tx = *b.Tx
	}
	if b.Message != nil {
		snap.Message = *b.Message
	}
	if b.ProcessedAt != nil {
		snap.ProcessedAt = *b.ProcessedAt
	}
	if b.CompletedAt != nil {
		snap.CompletedAt = *b.CompletedAt
	}

	b.State = BatchStateInitialized
	b.WalletName = nil
	b.Tx = nil
	b.Message = nil
	b.ProcessedAt = nil
	b.CompletedAt = nil
	return snap, nil
}

// Validate checks the structural invariants a persisted batch must satisfy.
func (b *Batch) Validate() error {
	if len(b.Distributions) == 0 {
		return fmt.Errorf("batch %s: no distributions", b.ID)
	}
	if !b.State.IsValid() {
		return fmt.Errorf("batch %s: unknown state %q", b.ID, b.State)
	}

	attemptSet := b.WalletName != nil && b.Tx != nil && b.ProcessedAt != nil
	attemptClear := b.WalletName == nil && b.Tx == nil && b.ProcessedAt == nil
	if !attemptSet && !attemptClear {
		return fmt.Errorf("batch %s: wallet, tx and processed_at must be set together", b.ID)
	}

	switch b.State {
	case BatchStateInitialized:
		if !attemptClear || b.CompletedAt != nil {
			return fmt.Errorf("batch %s: initialized batch carries attempt data", b.ID)
		}
	case BatchStateProcessing:
		if !attemptSet || b.CompletedAt != nil {
			return fmt.Errorf("batch %s: processing batch without a complete attempt", b.ID)
		}
	case BatchStateSuccess, BatchStateFailed:
		if !attemptSet || b.CompletedAt == nil {
			return fmt.Errorf("batch %s: completed batch without a complete attempt", b.ID)
		}
	}

	if b.Message != nil && b.State != BatchStateFailed {
		return fmt.Errorf("batch %s: message set on %s batch", b.ID, b.State)
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/store"
	"github.com/google/uuid"
)

const batchColumns = `id, distributions, created_at, state, wallet_name, tx_signature, tx_blockhash,
	tx_last_valid_block_height, message, processed_at, completed_at, digest, version`

// BatchRepo stores batches in distribution_batch. Each row carries a digest
// computed with the configured salt and is verified on every read.
type BatchRepo struct {
	db   *DB
	salt string
}

func NewBatchRepo(db *DB, digestSalt string) *BatchRepo {
	return &BatchRepo{db: db, salt: digestSalt}
}

var _ store.BatchRepository = (*BatchRepo)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func batchRecord(b *model.Batch) (store.BatchRecord, error) {
	ds, err := json.Marshal(b.Distributions)
	if err != nil {
		return store.BatchRecord{}, fmt.Errorf("marshal distributions: %w", err)
	}

	r := store.BatchRecord{
		ID:            b.ID.String(),
		Distributions: string(ds),
		State:         b.State.String(),
		WalletName:    b.WalletName,
		Message:       b.Message,
	}
	if b.Tx != nil {
		height := int64(b.Tx.LastValidBlockHeight)
		r.TxSignature = &b.Tx.Signature
		r.TxBlockhash = &b.Tx.Blockhash
		r.TxLastValidBlockHeight = &height
	}
	return r, nil
}

func (r *BatchRepo) SaveTx(ctx context.Context, tx *sql.Tx, b *model.Batch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	rec, err := batchRecord(b)
	if err != nil {
		return err
	}
	digest := store.BatchDigest(r.salt, rec)

	if b.Version == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO distribution_batch (`+batchColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
		`, b.ID, rec.Distributions, b.CreatedAt, rec.State, rec.WalletName, rec.TxSignature, rec.TxBlockhash,
			rec.TxLastValidBlockHeight, rec.Message, b.ProcessedAt, b.CompletedAt, digest)
		if err != nil {
			return fmt.Errorf("insert batch %s: %w", b.ID, err)
		}
		b.Version = 1
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE distribution_batch SET
			state = $2,
			wallet_name = $3,
			tx_signature = $4,
			tx_blockhash = $5,
			tx_last_valid_block_height = $6,
			message = $7,
			processed_at = $8,
			completed_at = $9,
			digest = $10,
			updated_at = now(),
			version = version + 1
		WHERE id = $1 AND version = $11
	`, b.ID, rec.State, rec.WalletName, rec.TxSignature, rec.TxBlockhash, rec.TxLastValidBlockHeight,
		rec.Message, b.ProcessedAt, b.CompletedAt, digest, b.Version)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update batch %s rows affected: %w", b.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update batch %s at version %d: %w", b.ID, b.Version, store.ErrStaleVersion)
	}
	b.Version++
	return nil
}

func (r *BatchRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Batch, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+batchColumns+`
		FROM distribution_batch
		WHERE id = $1
		FOR UPDATE
	`, id)
	return r.scanOne(row, id)
}

func (r *BatchRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+`
		FROM distribution_batch
		WHERE id = $1
	`, id)
	return r.scanOne(row, id)
}

func (r *BatchRepo) scanOne(row rowScanner, id uuid.UUID) (*model.Batch, error) {
	b, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

func (r *BatchRepo) scan(row rowScanner) (*model.Batch, error) {
	var (
		rec         store.BatchRecord
		createdAt   time.Time
		processedAt sql.NullTime
		completedAt sql.NullTime
		digest      string
		version     int64
	)
	if err := row.Scan(
		&rec.ID, &rec.Distributions, &createdAt, &rec.State, &rec.WalletName, &rec.TxSignature, &rec.TxBlockhash,
		&rec.TxLastValidBlockHeight, &rec.Message, &processedAt, &completedAt, &digest, &version,
	); err != nil {
		return nil, err
	}

	if store.BatchDigest(r.salt, rec) != digest {
		return nil, fmt.Errorf("batch %s: %w", rec.ID, store.ErrDataCorruption)
	}

	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("parse batch id %q: %w", rec.ID, err)
	}

	b := &model.Batch{
		ID:         id,
		CreatedAt:  createdAt,
		State:      model.BatchState(rec.State),
		WalletName: rec.WalletName,
		Message:    rec.Message,
		Version:    version,
	}
	if err := json.Unmarshal([]byte(rec.Distributions), &b.Distributions); err != nil {
		return nil, fmt.Errorf("batch %s distributions: %w", rec.ID, err)
	}
	if rec.TxSignature != nil {
		b.Tx = &model.BatchTx{Signature: *rec.TxSignature}
		if rec.TxBlockhash != nil {
			b.Tx.Blockhash = *rec.TxBlockhash
		}
		if rec.TxLastValidBlockHeight != nil {
			b.Tx.LastValidBlockHeight = uint64(*rec.TxLastValidBlockHeight)
		}
	}
	if processedAt.Valid {
		b.ProcessedAt = &processedAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return b, nil
}

func (r *BatchRepo) ListIDsByState(ctx context.Context, state model.BatchState, order store.ListOrder) ([]uuid.UUID, error) {
	orderBy := "created_at"
	if order == store.OrderByProcessedAt {
		orderBy = "processed_at"
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM distribution_batch
		WHERE state = $1
		ORDER BY `+orderBy+` ASC, id ASC
	`, state)
	if err != nil {
		return nil, fmt.Errorf("list batch ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListByState returns the newest batches, filtered by state unless state is empty.
func (r *BatchRepo) ListByState(ctx context.Context, state model.BatchState, limit int) ([]model.Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM distribution_batch
		WHERE ($1::text = '' OR state = $1::text)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func (r *BatchRepo) CountByState(ctx context.Context) (map[model.BatchState]int, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM distribution_batch GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count batches: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.BatchState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan batch count: %w", err)
		}
		counts[model.BatchState(state)] = n
	}
	return counts, rows.Err()
}

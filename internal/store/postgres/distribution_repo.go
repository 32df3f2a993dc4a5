package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/store"
	"github.com/gagliardetto/solana-go"
	"github.com/lib/pq"
)

// Distribution row states.
const (
	DistributionInitialized = "Initialized"
	DistributionProcessing  = "Processing"
	DistributionCompleted   = "Completed"
)

// DistributionRepo is a DistributionSource backed by the distributions table.
// Rows move Initialized → Processing on fetch, back to Initialized on return
// and to Completed with the paying signature on completion.
type DistributionRepo struct {
	db *DB
}

func NewDistributionRepo(db *DB) *DistributionRepo {
	return &DistributionRepo{db: db}
}

var _ store.DistributionSource = (*DistributionRepo)(nil)

func (r *DistributionRepo) FetchTx(ctx context.Context, tx *sql.Tx, limit int) ([]model.Distribution, error) {
	rows, err := tx.QueryContext(ctx, `
		UPDATE distributions SET state = $1, updated_at = now(), version = version + 1
		WHERE id IN (
			SELECT id FROM distributions
			WHERE state = $2
			ORDER BY created_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, recipient, amount::text, created_at
	`, DistributionProcessing, DistributionInitialized, limit)
	if err != nil {
		return nil, fmt.Errorf("reserve distributions: %w", err)
	}
	defer rows.Close()

	type fetched struct {
		d  model.Distribution
		at time.Time
	}
	var out []fetched
	for rows.Next() {
		var (
			f         fetched
			recipient string
			amount    string
		)
		if err := rows.Scan(&f.d.ID, &recipient, &amount, &f.at); err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		if f.d.Recipient, err = solana.PublicKeyFromBase58(recipient); err != nil {
			return nil, fmt.Errorf("distribution %s recipient: %w", f.d.ID, err)
		}
		if f.d.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, fmt.Errorf("distribution %s amount: %w", f.d.ID, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING carries no order guarantee.
	slices.SortFunc(out, func(a, b fetched) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		return strings.Compare(a.d.ID, b.d.ID)
	})

	ds := make([]model.Distribution, len(out))
	for i, f := range out {
		ds[i] = f.d
	}
	return ds, nil
}

func (r *DistributionRepo) OnReturnedTx(ctx context.Context, tx *sql.Tx, ds []model.Distribution) error {
	if len(ds) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE distributions SET state = $1, updated_at = now(), version = version + 1
		WHERE id = ANY($2) AND state = $3
	`, DistributionInitialized, pq.Array(model.DistributionIDs(ds)), DistributionProcessing)
	if err != nil {
		return fmt.Errorf("return distributions: %w", err)
	}
	return nil
}

func (r *DistributionRepo) OnCompletedTx(ctx context.Context, tx *sql.Tx, ds []model.Distribution, signature string) error {
	if len(ds) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE distributions SET state = $1, tx_id = $2, updated_at = now(), version = version + 1
		WHERE id = ANY($3) AND state = $4
	`, DistributionCompleted, signature, pq.Array(model.DistributionIDs(ds)), DistributionProcessing)
	if err != nil {
		return fmt.Errorf("complete distributions: %w", err)
	}
	return nil
}

// InsertPending seeds Initialized distributions.
func (r *DistributionRepo) InsertPending(ctx context.Context, ds []model.Distribution) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO distributions (id, recipient, amount, state)
		VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert distribution: %w", err)
	}
	defer stmt.Close()

	for _, d := range ds {
		if _, err := stmt.ExecContext(ctx, d.ID, d.Recipient.String(), strconv.FormatUint(d.Amount, 10), DistributionInitialized); err != nil {
			return fmt.Errorf("insert distribution %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// CountByState reports how many distributions sit in each state.
func (r *DistributionRepo) CountByState(ctx context.Context) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM distributions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count distributions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan distribution count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

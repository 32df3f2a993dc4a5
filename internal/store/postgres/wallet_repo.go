package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/store"
	"github.com/gagliardetto/solana-go"
	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint breach.
const uniqueViolation pq.ErrorCode = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type WalletRepo struct {
	db   *DB
	salt string
}

func NewWalletRepo(db *DB, digestSalt string) *WalletRepo {
	return &WalletRepo{db: db, salt: digestSalt}
}

var _ store.WalletRepository = (*WalletRepo)(nil)

func (r *WalletRepo) Save(ctx context.Context, w *model.Wallet) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	address := w.Address.String()
	digest := store.WalletDigest(r.salt, w.Name, address, w.Secret)

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO wallets (name, address, secret, digest)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, w.Name, address, w.Secret, digest).Scan(&w.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert wallet %s: %w: %w", w.Name, store.ErrConflict, err)
	}
	if err != nil {
		return fmt.Errorf("insert wallet %s: %w", w.Name, err)
	}
	return nil
}

func (r *WalletRepo) GetAll(ctx context.Context) ([]model.Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT name, address, secret, digest, created_at
		FROM wallets
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()

	var wallets []model.Wallet
	for rows.Next() {
		w, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

func (r *WalletRepo) GetByName(ctx context.Context, name string) (*model.Wallet, error) {
	return r.getOne(ctx, "name", name)
}

func (r *WalletRepo) GetByAddress(ctx context.Context, address solana.PublicKey) (*model.Wallet, error) {
	return r.getOne(ctx, "address", address.String())
}

func (r *WalletRepo) getOne(ctx context.Context, column, value string) (*model.Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT name, address, secret, digest, created_at
		FROM wallets
		WHERE `+column+` = $1
	`, value)
	w, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

func (r *WalletRepo) scan(row rowScanner) (*model.Wallet, error) {
	var (
		w       model.Wallet
		address string
		digest  string
	)
	if err := row.Scan(&w.Name, &address, &w.Secret, &digest, &w.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan wallet: %w", err)
	}

	if store.WalletDigest(r.salt, w.Name, address, w.Secret) != digest {
		return nil, fmt.Errorf("wallet %s: %w", w.Name, store.ErrDataCorruption)
	}

	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("wallet %s address: %w", w.Name, err)
	}
	w.Address = pk
	return &w, nil
}

// Package wallet keeps the registry of signing wallets and signs
// transactions with their decrypted keys.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/emperorhan/token-distributor/internal/custody"
	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/store"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

var (
	ErrDuplicate     = errors.New("duplicate wallet")
	ErrUnknownWallet = errors.New("unknown wallet")
	ErrNoWallets     = errors.New("no wallets registered")
)

// Directory is the wallet registry. Secrets are stored encrypted and only
// decrypted for the duration of a signing call.
type Directory struct {
	repo   store.WalletRepository
	enc    *custody.Encryptor
	logger *slog.Logger
	intn   func(n int) int
}

type Option func(*Directory)

// WithRandom replaces the uniform index source used by Select.
func WithRandom(intn func(n int) int) Option {
	return func(d *Directory) { d.intn = intn }
}

func NewDirectory(repo store.WalletRepository, enc *custody.Encryptor, logger *slog.Logger, opts ...Option) *Directory {
	d := &Directory{
		repo:   repo,
		enc:    enc,
		logger: logger.With("component", "wallet"),
		intn:   rand.IntN,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddWallet registers a wallet from its base58 encoded 64-byte secret key.
func (d *Directory) AddWallet(ctx context.Context, name, secret string) (*model.Wallet, error) {
	if name == "" {
		return nil, errors.New("add wallet: empty name")
	}

	existing, err := d.repo.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("lookup wallet %s: %w", name, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("wallet name %s: %w", name, ErrDuplicate)
	}

	raw, err := base58.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	defer custody.Wipe(raw)
	if _, err := solana.ValidatePrivateKey(raw); err != nil {
		return nil, fmt.Errorf("invalid secret: %w", err)
	}
	address := solana.PrivateKey(raw).PublicKey()

	existing, err = d.repo.GetByAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("lookup wallet %s: %w", address, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("wallet address %s: %w", address, ErrDuplicate)
	}

	encrypted, err := d.enc.Encrypt([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}

	w := &model.Wallet{Name: name, Address: address, Secret: encrypted}
	if err := d.repo.Save(ctx, w); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("wallet %s: %w: %w", name, ErrDuplicate, err)
		}
		return nil, fmt.Errorf("save wallet %s: %w", name, err)
	}

	d.logger.Info("wallet added", "name", name, "address", address.String())
	return w, nil
}

func (d *Directory) GetAll(ctx context.Context) ([]model.Wallet, error) {
	return d.repo.GetAll(ctx)
}

// Select picks the wallet that pays for and signs the next batch: the only
// wallet when exactly one is registered, otherwise a uniformly random one.
func (d *Directory) Select(ctx context.Context) (*model.Wallet, error) {
	wallets, err := d.repo.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	switch len(wallets) {
	case 0:
		return nil, ErrNoWallets
	case 1:
		return &wallets[0], nil
	default:
		return &wallets[d.intn(len(wallets))], nil
	}
}

// SignTransaction adds the signature of every named wallet to tx.
func (d *Directory) SignTransaction(ctx context.Context, names []string, tx *solana.Transaction) error {
	for _, name := range names {
		w, err := d.repo.GetByName(ctx, name)
		if err != nil {
			return fmt.Errorf("lookup wallet %s: %w", name, err)
		}
		if w == nil {
			return fmt.Errorf("%w: %s", ErrUnknownWallet, name)
		}
		if err := d.signWith(w, tx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Directory) signWith(w *model.Wallet, tx *solana.Transaction) error {
	secret, err := d.enc.Decrypt(w.Secret)
	if err != nil {
		return fmt.Errorf("decrypt wallet %s: %w", w.Name, err)
	}
	defer custody.Wipe(secret)

	key, err := base58.Decode(string(secret))
	if err != nil {
		return fmt.Errorf("decode wallet %s secret: %w", w.Name, err)
	}
	defer custody.Wipe(key)

	pk := solana.PrivateKey(key)
	if !pk.PublicKey().Equals(w.Address) {
		return fmt.Errorf("wallet %s: secret does not match address %s", w.Name, w.Address)
	}

	_, err = tx.PartialSign(func(signer solana.PublicKey) *solana.PrivateKey {
		if signer.Equals(w.Address) {
			return &pk
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign with wallet %s: %w", w.Name, err)
	}
	return nil
}

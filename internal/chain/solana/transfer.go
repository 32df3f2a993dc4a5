package solana

import (
	"fmt"

	"github.com/emperorhan/token-distributor/internal/cache"
	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/metrics"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
)

const defaultATACacheSize = 10_000

// TransferBuilder produces the SPL token instructions paying one distribution
// out of the payer's associated token account for Mint.
type TransferBuilder struct {
	Mint solana.PublicKey

	atas cache.Cache[solana.PublicKey, solana.PublicKey]
}

// NewTransferBuilder returns a builder for mint. Owner to token-account
// derivations are memoised in an LRU of cacheSize entries.
func NewTransferBuilder(mint solana.PublicKey, cacheSize int) *TransferBuilder {
	if cacheSize <= 0 {
		cacheSize = defaultATACacheSize
	}
	return &TransferBuilder{
		Mint: mint,
		atas: cache.NewLRU[solana.PublicKey, solana.PublicKey](cacheSize,
			cache.WithCounters(metrics.ATACacheHits, metrics.ATACacheMisses)),
	}
}

// TokenAccount returns the associated token account of owner for the mint.
func (b *TransferBuilder) TokenAccount(owner solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := b.atas.GetOrLoad(owner, func(o solana.PublicKey) (solana.PublicKey, error) {
		addr, _, err := solana.FindAssociatedTokenAddress(o, b.Mint)
		return addr, err
	})
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive token account of %s: %w", owner, err)
	}
	return ata, nil
}

// Instructions returns the instructions paying d from payer: an account
// creation for the recipient's token account when it does not exist yet,
// followed by the transfer itself.
func (b *TransferBuilder) Instructions(payer solana.PublicKey, d model.Distribution, recipientATAExists bool) ([]solana.Instruction, error) {
	vault, err := b.TokenAccount(payer)
	if err != nil {
		return nil, err
	}
	dest, err := b.TokenAccount(d.Recipient)
	if err != nil {
		return nil, err
	}

	instrs := make([]solana.Instruction, 0, 2)
	if !recipientATAExists {
		instrs = append(instrs, associatedtokenaccount.NewCreateInstruction(payer, d.Recipient, b.Mint).Build())
	}
	instrs = append(instrs, token.NewTransferInstruction(d.Amount, vault, dest, payer, nil).Build())
	return instrs, nil
}

package solana

import (
	"testing"

	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

func TestTransferBuilder_TokenAccountMemoised(t *testing.T) {
	b := NewTransferBuilder(testMint, 8)
	owner := solana.NewWallet().PublicKey()

	want, _, err := solana.FindAssociatedTokenAddress(owner, testMint)
	require.NoError(t, err)

	got, err := b.TokenAccount(owner)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	again, err := b.TokenAccount(owner)
	require.NoError(t, err)
	assert.Equal(t, want, again)

	hits, misses := b.atas.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestTransferBuilder_Instructions(t *testing.T) {
	b := NewTransferBuilder(testMint, 0)
	payer := solana.NewWallet().PublicKey()
	d := model.Distribution{ID: "a", Recipient: solana.NewWallet().PublicKey(), Amount: 5}

	vault, err := b.TokenAccount(payer)
	require.NoError(t, err)
	dest, err := b.TokenAccount(d.Recipient)
	require.NoError(t, err)

	t.Run("existing token account", func(t *testing.T) {
		instrs, err := b.Instructions(payer, d, true)
		require.NoError(t, err)
		require.Len(t, instrs, 1)

		transfer := instrs[0]
		assert.Equal(t, solana.TokenProgramID, transfer.ProgramID())
		accounts := transfer.Accounts()
		require.Len(t, accounts, 3)
		assert.Equal(t, vault, accounts[0].PublicKey)
		assert.Equal(t, dest, accounts[1].PublicKey)
		assert.Equal(t, payer, accounts[2].PublicKey)
		assert.True(t, accounts[2].IsSigner)
	})

	t.Run("missing token account", func(t *testing.T) {
		instrs, err := b.Instructions(payer, d, false)
		require.NoError(t, err)
		require.Len(t, instrs, 2)

		create := instrs[0]
		assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, create.ProgramID())
		accounts := create.Accounts()
		assert.Equal(t, payer, accounts[0].PublicKey)
		assert.Equal(t, dest, accounts[1].PublicKey)
		assert.Equal(t, d.Recipient, accounts[2].PublicKey)
		assert.Equal(t, testMint, accounts[3].PublicKey)

		assert.Equal(t, solana.TokenProgramID, instrs[1].ProgramID())
	})
}

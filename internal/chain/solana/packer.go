package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	// PacketDataSize is the largest serialized transaction a node accepts.
	PacketDataSize = 1232
	// SignaturesReserve is the compact-u16 length prefix plus two signatures
	// (fee payer and vault owner).
	SignaturesReserve = 3 + 64*2
	// MaxMessageSize is the largest message that still fits a packet once
	// signed.
	MaxMessageSize = PacketDataSize - SignaturesReserve
)

// PlaceholderBlockhash stands in for a real blockhash while estimating
// message sizes. Any 32 bytes serialize to the same length.
var PlaceholderBlockhash = solana.MustHashFromBase58("qRCC8APEc3nDL6YddF9fyEv7ZyPXVdqgNUMg33EAeBJ")

// Packer accumulates instructions into a single transaction skeleton while the
// serialized message stays within MaxMessageSize. It performs no I/O.
type Packer struct {
	payer        solana.PublicKey
	blockhash    solana.Hash
	instructions []solana.Instruction
	size         int
}

func NewPacker(payer solana.PublicKey, blockhash solana.Hash) *Packer {
	return &Packer{payer: payer, blockhash: blockhash}
}

// TryAdd appends instrs when the trial message including them serializes and
// fits; otherwise the packer is left unchanged and false is returned.
func (p *Packer) TryAdd(instrs []solana.Instruction) bool {
	trial := make([]solana.Instruction, 0, len(p.instructions)+len(instrs))
	trial = append(trial, p.instructions...)
	trial = append(trial, instrs...)

	size, err := MessageSize(trial, p.payer, p.blockhash)
	if err != nil || size > MaxMessageSize {
		return false
	}
	p.instructions = trial
	p.size = size
	return true
}

// Instructions returns the accepted instructions.
func (p *Packer) Instructions() []solana.Instruction {
	return p.instructions
}

// Size is the serialized message length of the accepted instructions.
func (p *Packer) Size() int {
	return p.size
}

// MessageSize returns the serialized length of a legacy message carrying
// instrs with payer as fee payer.
func MessageSize(instrs []solana.Instruction, payer solana.PublicKey, blockhash solana.Hash) (int, error) {
	tx, err := solana.NewTransaction(instrs, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return 0, err
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return len(msg), nil
}

// SerializeTransaction encodes a fully signed transaction for submission. It
// fails when a required signature is missing or invalid, or when the result
// exceeds PacketDataSize.
func SerializeTransaction(tx *solana.Transaction) ([]byte, error) {
	if len(tx.Signatures) != int(tx.Message.Header.NumRequiredSignatures) {
		return nil, fmt.Errorf("serialize transaction: %d of %d signatures present", len(tx.Signatures), tx.Message.Header.NumRequiredSignatures)
	}
	for i, sig := range tx.Signatures {
		if sig.IsZero() {
			return nil, fmt.Errorf("serialize transaction: missing signature %d", i)
		}
	}
	if err := tx.VerifySignatures(); err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	if len(raw) > PacketDataSize {
		return nil, fmt.Errorf("serialize transaction: encoded size %d exceeds %d", len(raw), PacketDataSize)
	}
	return raw, nil
}

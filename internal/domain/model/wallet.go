package model

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// Wallet is a signing wallet registered through onboarding. Secret holds the
// encrypted private key material and is never stored in clear text.
type Wallet struct {
	Name      string           `db:"name"`
	Address   solana.PublicKey `db:"address"`
	Secret    string           `db:"secret"`
	CreatedAt time.Time        `db:"created_at"`
}

package model

import (
	"github.com/gagliardetto/solana-go"
)

// Distribution is one pending payout handed over by the distribution source.
// Amount is expressed in the mint's base units.
type Distribution struct {
	ID        string           `json:"id"`
	Recipient solana.PublicKey `json:"recipient"`
	Amount    uint64           `json:"amount"`
}

// DistributionIDs returns the IDs of ds in order.
func DistributionIDs(ds []Distribution) []string {
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	return ids
}

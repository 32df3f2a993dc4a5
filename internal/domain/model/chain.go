package model

import "fmt"

// Network identifies the Solana cluster the distributor is bound to. It labels
// rate limiter metrics and traces; the RPC URL decides where requests go.
type Network string

const (
	NetworkMainnet  Network = "mainnet"
	NetworkDevnet   Network = "devnet"
	NetworkTestnet  Network = "testnet"
	NetworkLocalnet Network = "localnet"
)

func (n Network) IsValid() bool {
	switch n {
	case NetworkMainnet, NetworkDevnet, NetworkTestnet, NetworkLocalnet:
		return true
	}
	return false
}

// Commitment is the confirmation level reported for a transaction or queried
// from the cluster.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

func (c Commitment) String() string {
	return string(c)
}

// ParseCommitment accepts the three levels understood by the RPC API.
func ParseCommitment(s string) (Commitment, error) {
	switch c := Commitment(s); c {
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
		return c, nil
	}
	return "", fmt.Errorf("%q is not a commitment level", s)
}

package rpc

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC request/response types

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCCode returns the JSON-RPC error code.
func (e *RPCError) RPCCode() int { return e.Code }

// Most account and status methods wrap their value with the slot it was read at.
type contextResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value json.RawMessage `json:"value"`
}

// getAccountInfo response value
type AccountInfo struct {
	Lamports   uint64          `json:"lamports"`
	Owner      string          `json:"owner"`
	Data       json.RawMessage `json:"data"`
	Executable bool            `json:"executable"`
	RentEpoch  json.Number     `json:"rentEpoch"`
	Space      uint64          `json:"space"`
}

// getLatestBlockhash response value
type LatestBlockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// getSignatureStatuses response entry. Err is the raw TransactionError,
// null on success.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction landed with an error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// SendOptions configures sendTransaction.
type SendOptions struct {
	SkipPreflight       bool
	PreflightCommitment string
	// MaxRetries is passed through when non-nil; zero disables node-side rebroadcast.
	MaxRetries *uint
}

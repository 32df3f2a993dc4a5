// Package retry decides what a failed distribution step means: whether a send
// may still land, and whether the next tick can be expected to succeed
// without an operator.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	solanarpc "github.com/emperorhan/token-distributor/internal/chain/solana/rpc"
	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/store"
	"github.com/emperorhan/token-distributor/internal/wallet"
)

// Class is the coarse retry outcome of an error.
type Class string

const (
	// ClassTransient clears up without intervention; the next tick retries.
	ClassTransient Class = "transient"
	// ClassOperator needs someone to act: fund or register a wallet, inspect
	// a corrupted row, fix configuration.
	ClassOperator Class = "operator"
)

// Decision is a Class with a short machine readable reason.
type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

// IsAmbiguous reports whether a failed submission may still have reached the
// cluster: the request timed out or was cut off before a response arrived, or
// a proxy in front of the node gave up on it (502, 503, 504). An error
// answered by the node itself is never ambiguous.
func IsAmbiguous(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *solanarpc.RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	var statusErr *solanarpc.HTTPStatusError
	if errors.As(err, &statusErr) {
		return gatewayStatus(statusErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

// gatewayStatus reports whether a proxy status leaves open whether the node
// received the request.
func gatewayStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Classify decides whether a failed unit of work is worth retrying on the
// next tick without operator action.
func Classify(err error) Decision {
	switch {
	case err == nil:
		return Decision{ClassTransient, "no_error"}
	case errors.Is(err, store.ErrStaleVersion):
		return Decision{ClassTransient, "stale_version"}
	case errors.Is(err, store.ErrDataCorruption):
		return Decision{ClassOperator, "data_corruption"}
	case errors.Is(err, model.ErrIllegalState):
		return Decision{ClassOperator, "illegal_state"}
	case errors.Is(err, wallet.ErrNoWallets):
		return Decision{ClassOperator, "no_wallets"}
	case errors.Is(err, context.Canceled):
		return Decision{ClassTransient, "shutdown"}
	case errors.Is(err, context.DeadlineExceeded):
		return Decision{ClassTransient, "deadline_exceeded"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{ClassTransient, "net_timeout"}
	}
	var rpcErr *solanarpc.RPCError
	if errors.As(err, &rpcErr) {
		return classifyRPCCode(rpcErr.Code)
	}
	var statusErr *solanarpc.HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500 {
			return Decision{ClassTransient, "http_status"}
		}
		return Decision{ClassOperator, "http_status"}
	}

	msg := strings.ToLower(err.Error())
	for _, token := range operatorTokens {
		if strings.Contains(msg, token) {
			return Decision{ClassOperator, "message_operator"}
		}
	}
	for _, token := range transientTokens {
		if strings.Contains(msg, token) {
			return Decision{ClassTransient, "message_transient"}
		}
	}
	return Decision{ClassOperator, "unknown"}
}

// Solana reserves -32000..-32099 for server conditions such as an unknown
// blockhash, a node behind or a skipped slot; all clear up on their own.
func classifyRPCCode(code int) Decision {
	switch {
	case code == -32603:
		return Decision{ClassTransient, "rpc_internal"}
	case code <= -32000 && code >= -32099:
		return Decision{ClassTransient, "rpc_server"}
	}
	return Decision{ClassOperator, "rpc_request"}
}

var transientTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}

var operatorTokens = []string{
	"insufficient funds",
	"invalid params",
	"method not found",
}

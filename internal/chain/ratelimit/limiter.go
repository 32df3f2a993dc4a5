// Package ratelimit throttles and classifies calls to a Solana RPC node.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/emperorhan/token-distributor/internal/metrics"
	"golang.org/x/time/rate"
)

// Solana JSON-RPC server error codes the distributor tells apart.
const (
	CodeSendTransactionPreflightFailure = -32002
	CodeBlockhashNotFound               = -32003
	CodeNodeUnhealthy                   = -32005
	CodeTransactionPrecompileFailure    = -32006
	CodeTooManyRequests                 = -32429
)

// sendTransaction is throttled on its own bucket; public nodes meter it
// much tighter than reads.
const sendMethod = "sendTransaction"

// Limiter holds one token bucket for reads and one for transaction sends.
type Limiter struct {
	network string
	reads   *rate.Limiter
	sends   *rate.Limiter
}

// NewLimiter allows rps calls per second with the given burst. Sends share
// the read budget unless SetSendRate is called.
func NewLimiter(rps float64, burst int, network string) *Limiter {
	reads := rate.NewLimiter(rate.Limit(rps), burst)
	return &Limiter{network: network, reads: reads, sends: reads}
}

// SetSendRate gives sendTransaction its own bucket.
func (l *Limiter) SetSendRate(rps float64, burst int) {
	l.sends = rate.NewLimiter(rate.Limit(rps), burst)
}

// Wait blocks until method may be called or ctx is done.
func (l *Limiter) Wait(ctx context.Context, method string) error {
	bucket := l.reads
	if method == sendMethod {
		bucket = l.sends
	}
	if bucket.Allow() {
		return nil
	}
	metrics.RPCRateLimitWaits.WithLabelValues(l.network).Inc()
	return bucket.Wait(ctx)
}

// RecordRPCCall counts one finished call by outcome and observes its latency.
func RecordRPCCall(method string, elapsed time.Duration, err error) {
	metrics.RPCCallsTotal.WithLabelValues(method, ClassifyRPCError(err)).Inc()
	metrics.RPCLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// coded is implemented by JSON-RPC error values.
type coded interface {
	RPCCode() int
}

// ClassifyRPCError maps err to a metric label. Node error codes win over
// message matching.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	var c coded
	if errors.As(err, &c) {
		switch c.RPCCode() {
		case CodeSendTransactionPreflightFailure, CodeBlockhashNotFound, CodeTransactionPrecompileFailure:
			return "rejected"
		case CodeNodeUnhealthy:
			return "node_unhealthy"
		case CodeTooManyRequests:
			return "rate_limited"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return "timeout"
	case containsAny(msg, "429", "rate limit", "too many requests"):
		return "rate_limited"
	case containsAny(msg, "http status 5", "internal server error"):
		return "server_error"
	case containsAny(msg, "connection refused", "connection reset", "no such host", "network is unreachable", "broken pipe", "eof"):
		return "network_error"
	case containsAny(msg, "blockhash not found", "transaction simulation failed"):
		return "rejected"
	}
	return "client_error"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

package rpc

//go:generate mockgen -source=client.go -destination=mocks/mock_client.go -package=mocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/emperorhan/token-distributor/internal/chain/ratelimit"
)

const (
	defaultTimeout = 30 * time.Second

	// A getSignatureStatuses reply for a full page stays far below this.
	maxResponseBytes = 8 << 20
	maxErrorBodyLen  = 256
)

// RPCClient is the subset of the Solana JSON-RPC API the distributor uses.
type RPCClient interface {
	GetBlockHeight(ctx context.Context, commitment string) (uint64, error)
	GetAccountInfo(ctx context.Context, address string, commitment string) (*AccountInfo, error)
	GetLatestBlockhash(ctx context.Context, commitment string) (*LatestBlockhash, error)
	SendTransaction(ctx context.Context, raw []byte, opts SendOptions) (string, error)
	GetSignatureStatuses(ctx context.Context, signatures []string, searchHistory bool) ([]*SignatureStatus, error)
}

// HTTPStatusError is returned when the node answers with a non-200 status,
// typically a 429 from a provider quota or a 5xx from a proxy in front of it.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	httpClient *http.Client
	rpcURL     string
	requestID  atomic.Int64
	logger     *slog.Logger
	limiter    *ratelimit.Limiter
}

type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds every request, including the wait for the response body.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func WithRateLimiter(l *ratelimit.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

func NewClient(rpcURL string, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		rpcURL:     rpcURL,
		logger:     logger.With("component", "solana_rpc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetRateLimiter installs l after construction. The adapter builds its client
// before the limiter exists.
func (c *Client) SetRateLimiter(l *ratelimit.Limiter) {
	c.limiter = l
}

// call performs one JSON-RPC round trip and returns the raw result. Node
// side failures come back as *RPCError, transport status failures as
// *HTTPStatusError.
func (c *Client) call(ctx context.Context, method string, params []interface{}) (result json.RawMessage, err error) {
	start := time.Now()
	defer func() {
		ratelimit.RecordRPCCall(method, time.Since(start), err)
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, method); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      int(c.requestID.Add(1)),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s http request: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	if len(respBody) > maxResponseBytes {
		return nil, fmt.Errorf("%s response exceeds %d bytes", method, maxResponseBytes)
	}

	if resp.StatusCode != http.StatusOK {
		text := string(respBody)
		if len(text) > maxErrorBodyLen {
			text = text[:maxErrorBodyLen]
		}
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: text}
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		c.logger.Debug("rpc error", "method", method, "code", rpcResp.Error.Code, "message", rpcResp.Error.Message)
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

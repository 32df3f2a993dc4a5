package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// GetBlockHeight returns the current block height at the given commitment.
func (c *Client) GetBlockHeight(ctx context.Context, commitment string) (uint64, error) {
	params := []interface{}{
		map[string]string{"commitment": commitment},
	}
	result, err := c.call(ctx, "getBlockHeight", params)
	if err != nil {
		return 0, fmt.Errorf("getBlockHeight: %w", err)
	}

	var height uint64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, fmt.Errorf("unmarshal block height: %w", err)
	}
	return height, nil
}

// GetAccountInfo returns the account at address, or nil when it does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, address string, commitment string) (*AccountInfo, error) {
	params := []interface{}{
		address,
		map[string]string{
			"commitment": commitment,
			"encoding":   "base64",
		},
	}
	result, err := c.call(ctx, "getAccountInfo", params)
	if err != nil {
		return nil, fmt.Errorf("getAccountInfo(%s): %w", address, err)
	}

	var wrapped contextResult
	if err := json.Unmarshal(result, &wrapped); err != nil {
		return nil, fmt.Errorf("unmarshal account info: %w", err)
	}
	if isNull(wrapped.Value) {
		return nil, nil
	}

	var info AccountInfo
	if err := json.Unmarshal(wrapped.Value, &info); err != nil {
		return nil, fmt.Errorf("unmarshal account info value: %w", err)
	}
	return &info, nil
}

// GetLatestBlockhash returns a recent blockhash and the last block height at
// which transactions referencing it are accepted.
func (c *Client) GetLatestBlockhash(ctx context.Context, commitment string) (*LatestBlockhash, error) {
	params := []interface{}{
		map[string]string{"commitment": commitment},
	}
	result, err := c.call(ctx, "getLatestBlockhash", params)
	if err != nil {
		return nil, fmt.Errorf("getLatestBlockhash: %w", err)
	}

	var wrapped contextResult
	if err := json.Unmarshal(result, &wrapped); err != nil {
		return nil, fmt.Errorf("unmarshal latest blockhash: %w", err)
	}
	if isNull(wrapped.Value) {
		return nil, fmt.Errorf("getLatestBlockhash: empty value")
	}

	var lb LatestBlockhash
	if err := json.Unmarshal(wrapped.Value, &lb); err != nil {
		return nil, fmt.Errorf("unmarshal latest blockhash value: %w", err)
	}
	return &lb, nil
}

// SendTransaction submits a signed, serialized transaction and returns the
// signature reported by the node.
func (c *Client) SendTransaction(ctx context.Context, raw []byte, opts SendOptions) (string, error) {
	config := map[string]interface{}{
		"encoding":      "base64",
		"skipPreflight": opts.SkipPreflight,
	}
	if opts.PreflightCommitment != "" {
		config["preflightCommitment"] = opts.PreflightCommitment
	}
	if opts.MaxRetries != nil {
		config["maxRetries"] = *opts.MaxRetries
	}

	params := []interface{}{base64.StdEncoding.EncodeToString(raw), config}
	result, err := c.call(ctx, "sendTransaction", params)
	if err != nil {
		return "", fmt.Errorf("sendTransaction: %w", err)
	}

	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", fmt.Errorf("unmarshal signature: %w", err)
	}
	return sig, nil
}

// GetSignatureStatuses returns one entry per signature; an entry is nil when
// the node has not seen the signature.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string, searchHistory bool) ([]*SignatureStatus, error) {
	if len(signatures) == 0 {
		return []*SignatureStatus{}, nil
	}

	params := []interface{}{
		signatures,
		map[string]bool{"searchTransactionHistory": searchHistory},
	}
	result, err := c.call(ctx, "getSignatureStatuses", params)
	if err != nil {
		return nil, fmt.Errorf("getSignatureStatuses: %w", err)
	}

	var wrapped contextResult
	if err := json.Unmarshal(result, &wrapped); err != nil {
		return nil, fmt.Errorf("unmarshal signature statuses: %w", err)
	}

	var statuses []*SignatureStatus
	if err := json.Unmarshal(wrapped.Value, &statuses); err != nil {
		return nil, fmt.Errorf("unmarshal signature statuses value: %w", err)
	}
	if len(statuses) != len(signatures) {
		return nil, fmt.Errorf("getSignatureStatuses: got %d statuses for %d signatures", len(statuses), len(signatures))
	}
	return statuses, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	batchDigestSalt  = "G^4I>L&5LHDhtMvRP#RWiOIj->KXeEb)"
	walletDigestSalt = "?AlBy1BFj5okA;!j>5OcUh1HAw1k.>/"
)

// BatchRecord is the persisted form of a batch as the digest sees it.
// Distributions is the stored JSON text, hashed verbatim.
// Timestamps are not covered, so rows digested by earlier releases verify.
type BatchRecord struct {
	ID                     string
	Distributions          string
	State                  string
	WalletName             *string
	TxSignature            *string
	TxBlockhash            *string
	TxLastValidBlockHeight *int64
	Message                *string
}

// BatchDigest is an integrity checksum over a batch record. It catches
// accidental corruption and is not an authentication code.
func BatchDigest(salt string, r BatchRecord) string {
	var sb strings.Builder
	sb.WriteString(salt)
	sb.WriteString(r.ID)
	sb.WriteString(r.Distributions)
	sb.WriteString(r.State)
	sb.WriteString(nullable(r.WalletName))
	sb.WriteString(nullable(r.TxSignature))
	sb.WriteString(nullable(r.TxBlockhash))
	if r.TxLastValidBlockHeight == nil {
		sb.WriteString("null")
	} else {
		sb.WriteString(strconv.FormatInt(*r.TxLastValidBlockHeight, 10))
	}
	sb.WriteString(nullable(r.Message))
	sb.WriteString(batchDigestSalt)
	return sha256Hex(sb.String())
}

// WalletDigest is the wallet counterpart of BatchDigest.
func WalletDigest(salt, name, address, secret string) string {
	return sha256Hex(salt + name + address + secret + walletDigestSalt)
}

func nullable(s *string) string {
	if s == nil {
		return "null"
	}
	return *s
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

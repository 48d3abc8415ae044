// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes used across walletgate.
const (
	PrefixCorrelation = "cid_"
	PrefixPort        = "port_"
	PrefixRecord      = "rec_"
)

// WithPrefix generates a random ID with a prefix.
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Correlation mints a correlation id for one gated call.
func Correlation() string {
	return WithPrefix(PrefixCorrelation)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

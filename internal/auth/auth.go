// Package auth guards the background service with the shared relay token.
// Only the gate binary holds the token; pages never see it.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrMissingToken = errors.New("auth: token required")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Guard validates bearer tokens against one configured secret. A Guard
// with no secret accepts every request (development mode).
type Guard struct {
	hash [32]byte
	set  bool
}

// NewGuard creates a guard for secret.
func NewGuard(secret string) *Guard {
	if secret == "" {
		return &Guard{}
	}
	return &Guard{hash: hashKey(secret), set: true}
}

// Enabled reports whether a secret is configured.
func (g *Guard) Enabled() bool { return g.set }

// Check validates a raw Authorization header value. Both "Bearer <token>"
// and a bare token are accepted.
func (g *Guard) Check(header string) error {
	if !g.set {
		return nil
	}
	raw := strings.TrimSpace(header)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return ErrMissingToken
	}
	// hashing first keeps the comparison length-independent
	got := hashKey(raw)
	if subtle.ConstantTimeCompare(got[:], g.hash[:]) != 1 {
		return ErrInvalidToken
	}
	return nil
}

func hashKey(raw string) [32]byte {
	return sha256.Sum256([]byte(raw))
}

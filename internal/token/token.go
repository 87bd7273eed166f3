// SPDX-License-Identifier: MIT

// Package token generates and fingerprints admission credentials. Raw tokens
// carry 256 bits of entropy and are handed out exactly once; only the SHA-256
// fingerprint is ever persisted.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/signagekit/signaged/internal/model"
)

const rawLen = 32

// Generate returns a fresh opaque token string.
func Generate() (string, error) {
	buf := make([]byte, rawLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: generate: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Fingerprint computes the storable one-way digest of a raw token.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Equal compares two fingerprints in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewRegistration builds a registration token row for a freshly generated
// raw token. The caller keeps the raw string; only the row is persisted.
func NewRegistration(raw string, maxUses int, ttl time.Duration) *model.RegistrationToken {
	return &model.RegistrationToken{
		Fingerprint: Fingerprint(raw),
		ExpiresAt:   time.Now().Add(ttl),
		MaxUses:     maxUses,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
}

// RestrictionsMatch checks the token's group/location/mac restrictions
// against a registration request. Empty restrictions match anything.
func RestrictionsMatch(t *model.RegistrationToken, group, location, mac string) bool {
	if t.RestrictedToGroup != "" && t.RestrictedToGroup != group {
		return false
	}
	if t.RestrictedToLocation != "" && t.RestrictedToLocation != location {
		return false
	}
	if t.RestrictedToMac != "" && t.RestrictedToMac != mac {
		return false
	}
	return true
}

// SPDX-License-Identifier: MIT

package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signagekit/signaged/internal/model"
)

func TestGenerateUniqueAndOpaque(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	require.NotEqual(t, a, b)
	require.GreaterOrEqual(t, len(a), 43, "32 random bytes base64url encoded")
}

func TestFingerprintStable(t *testing.T) {
	require.Equal(t, Fingerprint("T-xyz"), Fingerprint("T-xyz"))
	require.NotEqual(t, Fingerprint("T-xyz"), Fingerprint("T-abc"))
	require.Len(t, Fingerprint("T-xyz"), 64)
}

func TestNewRegistration(t *testing.T) {
	row := NewRegistration("T-xyz", 5, time.Hour)
	require.Equal(t, Fingerprint("T-xyz"), row.Fingerprint)
	require.Equal(t, 5, row.MaxUses)
	require.True(t, row.IsActive)
	require.True(t, row.ExpiresAt.After(time.Now()))
}

func TestRestrictionsMatch(t *testing.T) {
	tok := &model.RegistrationToken{
		RestrictedToGroup: "lobby",
		RestrictedToMac:   "AA:BB:CC:DD:EE:01",
	}
	require.True(t, RestrictionsMatch(tok, "lobby", "anywhere", "AA:BB:CC:DD:EE:01"))
	require.False(t, RestrictionsMatch(tok, "atrium", "", "AA:BB:CC:DD:EE:01"))
	require.False(t, RestrictionsMatch(tok, "lobby", "", "AA:BB:CC:DD:EE:02"))

	open := &model.RegistrationToken{}
	require.True(t, RestrictionsMatch(open, "", "", ""))
}

// SPDX-License-Identifier: MIT

package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"Type":"Register","MacAddress":"AA:BB:CC:DD:EE:01"}`))
	require.NoError(t, err)
	require.Equal(t, TypeRegister, typ)
}

func TestPeekTypeMissing(t *testing.T) {
	_, err := PeekType([]byte(`{"MacAddress":"AA:BB:CC:DD:EE:01"}`))
	require.Error(t, err)
}

func TestPeekTypeMalformed(t *testing.T) {
	_, err := PeekType([]byte(`{"Type":`))
	require.Error(t, err)
}

func TestRegisterWireCasing(t *testing.T) {
	data, err := Marshal(Register{
		Type:              TypeRegister,
		MacAddress:        "AA:BB:CC:DD:EE:01",
		IPAddress:         "192.168.1.50",
		RegistrationToken: "T-xyz",
	})
	require.NoError(t, err)

	s := string(data)
	for _, field := range []string{`"Type":"Register"`, `"MacAddress"`, `"IpAddress"`, `"RegistrationToken"`} {
		if !strings.Contains(s, field) {
			t.Errorf("wire form %s missing %s", s, field)
		}
	}
}

func TestCommandResultRoundTrip(t *testing.T) {
	data, err := Marshal(CommandResult{
		Type:     TypeCommandResult,
		DeviceID: "C1",
		Command:  CommandScreenshot,
		Success:  false,
		Message:  "not_connected",
	})
	require.NoError(t, err)

	var got CommandResult
	require.NoError(t, Unmarshal(data, &got))
	require.Equal(t, "C1", got.DeviceID)
	require.False(t, got.Success)
	require.Equal(t, "not_connected", got.Message)
}

func TestValidCommand(t *testing.T) {
	require.True(t, ValidCommand(CommandRestart))
	require.True(t, ValidCommand(CommandClearCache))
	require.False(t, ValidCommand("FormatDisk"))
}

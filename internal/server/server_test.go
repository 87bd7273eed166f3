// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/signagekit/signaged/internal/config"
	"github.com/signagekit/signaged/internal/model"
	"github.com/signagekit/signaged/internal/protocol"
	"github.com/signagekit/signaged/internal/token"
)

// testConfig binds everything to ephemeral ports inside dir so the full
// daemon can run under the test harness.
func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.Port = 0
	cfg.AutoSelectPort = false
	cfg.ConnectionString = filepath.Join(dir, "signaged.db")
	cfg.CertificatePath = filepath.Join(dir, "server.crt")
	cfg.CertificateKeyPath = filepath.Join(dir, "server.key")
	cfg.DiscoveryPort = 0
	cfg.MetricsEnabled = false
	cfg.TracingEnabled = false
	return cfg
}

func startServer(t *testing.T) *Server {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := New(ctx, testConfig(t.TempDir()), "test")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("server did not shut down")
		}
	})

	require.Eventually(t, func() bool { return srv.Port() != 0 },
		5*time.Second, 20*time.Millisecond, "listener never bound")
	return srv
}

func TestServerServesProbesOverTLS(t *testing.T) {
	srv := startServer(t)

	client := &http.Client{
		Transport: &http.Transport{
			// Self-signed bootstrap certificate.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := client.Get(fmt.Sprintf("https://127.0.0.1:%d%s", srv.Port(), path))
		require.NoError(t, err, path)
		var body struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.Equal(t, "healthy", body.Status, path)
	}
}

func TestServerRegistersClientEndToEnd(t *testing.T) {
	srv := startServer(t)

	const raw = "tok-e2e-1"
	require.NoError(t, srv.store.PutToken(context.Background(), &model.RegistrationToken{
		Fingerprint: token.Fingerprint(raw),
		ExpiresAt:   time.Now().Add(time.Hour),
		MaxUses:     1,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}))

	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.Dial(fmt.Sprintf("wss://127.0.0.1:%d/ws/", srv.Port()), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.Register{
		Type:              protocol.TypeRegister,
		MacAddress:        "AA:BB:CC:DD:EE:FF",
		IPAddress:         "192.168.1.42",
		Hostname:          "lobby-screen",
		RegistrationToken: raw,
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var resp protocol.RegistrationResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, protocol.TypeRegistrationResponse, resp.Type)
	require.Equal(t, protocol.RegistrationAccepted, resp.Status)
	require.NotEmpty(t, resp.ClientID)

	stored, err := srv.store.Clients().Get(context.Background(), resp.ClientID)
	require.NoError(t, err)
	require.Equal(t, model.StatusOnline, stored.Status)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", stored.MacAddress)
}

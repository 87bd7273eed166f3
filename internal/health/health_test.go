// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	name   string
	result CheckResult
}

func (s stubChecker) Name() string                      { return s.name }
func (s stubChecker) Check(context.Context) CheckResult { return s.result }

func TestHealthAlways200(t *testing.T) {
	m := NewManager("1.0.0")
	m.RegisterChecker(stubChecker{"broken", CheckResult{Status: StatusUnhealthy, Error: "down"}})

	w := httptest.NewRecorder()
	m.ServeHealth(w, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 200, w.Code, "liveness ignores component state")

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, StatusHealthy, resp.Status)
	require.Equal(t, "1.0.0", resp.Version)
	require.Nil(t, resp.Checks, "checks only on verbose")
}

func TestHealthVerboseAggregates(t *testing.T) {
	m := NewManager("1.0.0")
	m.RegisterChecker(stubChecker{"ok", CheckResult{Status: StatusHealthy}})
	m.RegisterChecker(stubChecker{"warn", CheckResult{Status: StatusDegraded}})

	resp := m.Health(context.Background(), true)
	require.Equal(t, StatusDegraded, resp.Status)
	require.Len(t, resp.Checks, 2)
}

func TestReadyFailsOnUnhealthy(t *testing.T) {
	m := NewManager("1.0.0")
	m.RegisterChecker(stubChecker{"db", CheckResult{Status: StatusUnhealthy, Error: "gone"}})

	w := httptest.NewRecorder()
	m.ServeReady(w, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, 503, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.Ready)
	require.Equal(t, StatusUnhealthy, resp.Status)
}

func TestReadyDegradedStillReady(t *testing.T) {
	m := NewManager("1.0.0")
	m.RegisterChecker(stubChecker{"cert", CheckResult{Status: StatusDegraded}})

	resp := m.Ready(context.Background())
	require.True(t, resp.Ready)
	require.Equal(t, StatusDegraded, resp.Status)
}

func TestReadyNoCheckers(t *testing.T) {
	m := NewManager("1.0.0")
	resp := m.Ready(context.Background())
	require.True(t, resp.Ready)
	require.Equal(t, StatusHealthy, resp.Status)
}

func TestCertificateChecker(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		c := NewCertificateChecker(func() *x509.Certificate { return nil })
		require.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
	})
	t.Run("expiring soon", func(t *testing.T) {
		c := NewCertificateChecker(func() *x509.Certificate {
			return &x509.Certificate{NotAfter: time.Now().Add(48 * time.Hour)}
		})
		require.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
	})
	t.Run("expired", func(t *testing.T) {
		c := NewCertificateChecker(func() *x509.Certificate {
			return &x509.Certificate{NotAfter: time.Now().Add(-time.Hour)}
		})
		require.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
	})
	t.Run("healthy", func(t *testing.T) {
		c := NewCertificateChecker(func() *x509.Certificate {
			return &x509.Certificate{NotAfter: time.Now().Add(365 * 24 * time.Hour)}
		})
		require.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
	})
}

func TestSessionChecker(t *testing.T) {
	c := NewSessionChecker(func() (int, int) { return 3, 1 })
	result := c.Check(context.Background())
	require.Equal(t, StatusHealthy, result.Status)
	require.Contains(t, result.Message, "3 clients")
}

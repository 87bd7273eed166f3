// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"crypto/x509"
	"database/sql"
	"fmt"
	"time"
)

// DatabaseChecker pings the SQLite pool.
type DatabaseChecker struct {
	db *sql.DB
}

// NewDatabaseChecker creates a checker for the store's connection pool.
func NewDatabaseChecker(db *sql.DB) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string { return "database" }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.db.PingContext(pingCtx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "database reachable"}
}

// CertificateChecker reports on the served certificate's remaining lifetime.
type CertificateChecker struct {
	leaf func() *x509.Certificate
}

// NewCertificateChecker creates a checker fed by the TLS reloader's current
// leaf certificate.
func NewCertificateChecker(leaf func() *x509.Certificate) *CertificateChecker {
	return &CertificateChecker{leaf: leaf}
}

func (c *CertificateChecker) Name() string { return "certificate" }

func (c *CertificateChecker) Check(context.Context) CheckResult {
	cert := c.leaf()
	if cert == nil {
		return CheckResult{Status: StatusUnhealthy, Error: "no certificate loaded"}
	}
	remaining := time.Until(cert.NotAfter)
	switch {
	case remaining <= 0:
		return CheckResult{Status: StatusUnhealthy, Error: "certificate expired", Message: cert.NotAfter.Format(time.RFC3339)}
	case remaining < 14*24*time.Hour:
		return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("certificate expires in %s", remaining.Round(time.Hour))}
	default:
		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("certificate valid until %s", cert.NotAfter.Format(time.RFC3339))}
	}
}

// SessionChecker reports connected session counts.
type SessionChecker struct {
	counts func() (clients, operators int)
}

// NewSessionChecker creates a checker fed by the session registry.
func NewSessionChecker(counts func() (clients, operators int)) *SessionChecker {
	return &SessionChecker{counts: counts}
}

func (c *SessionChecker) Name() string { return "sessions" }

func (c *SessionChecker) Check(context.Context) CheckResult {
	clients, operators := c.counts()
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d clients, %d operators connected", clients, operators),
	}
}

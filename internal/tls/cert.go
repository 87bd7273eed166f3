// SPDX-License-Identifier: MIT

// Package tls bootstraps and hot-reloads the daemon's server certificate.
// When no certificate pair exists a self-signed one is generated with every
// LAN address in its SANs, so clients on the local network can pin it.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/signagekit/signaged/internal/log"
	"github.com/signagekit/signaged/internal/netutil"
)

const (
	// DefaultCertPath is the default certificate location.
	DefaultCertPath = "certs/signaged.crt"
	// DefaultKeyPath is the default key location.
	DefaultKeyPath = "certs/signaged.key"
	// DefaultValidityYears is the self-signed certificate lifetime.
	DefaultValidityYears = 10
)

// Config selects the certificate pair to ensure.
type Config struct {
	CertPath string
	KeyPath  string
	// PreferredInterface biases which LAN addresses land in the SANs.
	PreferredInterface string
}

// EnsureCertificates returns the configured certificate pair, generating a
// self-signed one when missing. An incomplete pair is regenerated as a whole.
func EnsureCertificates(cfg Config) (certPath, keyPath string, err error) {
	logger := log.WithComponent("tls")

	certPath = cfg.CertPath
	keyPath = cfg.KeyPath
	if certPath == "" {
		certPath = DefaultCertPath
	}
	if keyPath == "" {
		keyPath = DefaultKeyPath
	}

	certExists := fileExists(certPath)
	keyExists := fileExists(keyPath)
	if certExists && keyExists {
		logger.Debug().
			Str("cert", certPath).
			Str("key", keyPath).
			Str(log.FieldEvent, "tls.certs_found").
			Msg("certificates found")
		return certPath, keyPath, nil
	}
	if certExists || keyExists {
		logger.Warn().
			Bool("cert_exists", certExists).
			Bool("key_exists", keyExists).
			Str(log.FieldEvent, "tls.incomplete_pair").
			Msg("incomplete certificate pair, regenerating both")
	}

	lanIPs, err := netutil.LocalIPv4Addresses(cfg.PreferredInterface)
	if err != nil {
		logger.Warn().
			Err(err).
			Str(log.FieldEvent, "tls.lan_detect_failed").
			Msg("LAN address detection failed, certificate covers localhost only")
		lanIPs = nil
	}

	if err := GenerateSelfSigned(certPath, keyPath, DefaultValidityYears, lanIPs, nil); err != nil {
		return "", "", fmt.Errorf("tls: generate self-signed pair: %w", err)
	}

	logger.Info().
		Str("cert", certPath).
		Str("key", keyPath).
		Int("lan_ips", len(lanIPs)).
		Str(log.FieldEvent, "tls.certs_generated").
		Msg("self-signed certificates generated")
	return certPath, keyPath, nil
}

// GenerateSelfSigned writes a fresh ECDSA P-256 self-signed certificate pair.
// additionalIPs and additionalDNS are merged with the localhost defaults.
func GenerateSelfSigned(certPath, keyPath string, validityYears int, additionalIPs []net.IP, additionalDNS []string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0750); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate private key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.AddDate(validityYears, 0, 0)

	ips := dedupeIPs(append([]net.IP{
		net.ParseIP("127.0.0.1"),
		net.ParseIP("::1"),
	}, additionalIPs...))
	dns := dedupeStrings(append([]string{
		"localhost",
		"localhost.localdomain",
		"signaged",
	}, additionalDNS...))

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"signaged Self-Signed"},
			CommonName:   "signaged",
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           ips,
		DNSNames:              dns,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	// #nosec G304
	certOut, err := os.Create(certPath)
	if err != nil {
		return fmt.Errorf("create cert file: %w", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		_ = certOut.Close()
		return fmt.Errorf("encode certificate: %w", err)
	}
	if err := certOut.Close(); err != nil {
		return fmt.Errorf("close cert file: %w", err)
	}

	// #nosec G304
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	privBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		_ = keyOut.Close()
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		_ = keyOut.Close()
		return fmt.Errorf("encode private key: %w", err)
	}
	if err := keyOut.Close(); err != nil {
		return fmt.Errorf("close key file: %w", err)
	}
	return nil
}

func dedupeIPs(ips []net.IP) []net.IP {
	seen := make(map[string]bool, len(ips))
	out := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		if ip == nil || seen[ip.String()] {
			continue
		}
		seen[ip.String()] = true
		out = append(out, ip)
	}
	return out
}

func dedupeStrings(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

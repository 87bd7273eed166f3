// SPDX-License-Identifier: MIT

// Command gencert generates a self-signed TLS certificate pair for signaged.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/signagekit/signaged/internal/tls"
)

func main() {
	certPath := flag.String("cert", tls.DefaultCertPath, "Path to certificate file")
	keyPath := flag.String("key", tls.DefaultKeyPath, "Path to key file")
	years := flag.Int("years", tls.DefaultValidityYears, "Certificate validity in years")
	ips := flag.String("ips", "", "Additional IP SANs, comma separated")
	dns := flag.String("dns", "", "Additional DNS SANs, comma separated")
	flag.Parse()

	var extraIPs []net.IP
	for _, raw := range splitList(*ips) {
		ip := net.ParseIP(raw)
		if ip == nil {
			fmt.Fprintf(os.Stderr, "Error: invalid IP address %q\n", raw)
			os.Exit(1)
		}
		extraIPs = append(extraIPs, ip)
	}

	if err := tls.GenerateSelfSigned(*certPath, *keyPath, *years, extraIPs, splitList(*dns)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Self-signed TLS certificate pair generated:\n")
	fmt.Printf("  Certificate: %s\n", *certPath)
	fmt.Printf("  Private key: %s\n", *keyPath)
	fmt.Printf("  Valid for:   %d years\n", *years)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// SPDX-License-Identifier: MIT

// Package netutil enumerates and ranks local network addresses for discovery
// replies and certificate SANs.
package netutil

import (
	"fmt"
	"net"
	"sort"
)

// Address class ranks, lower is better. Operators overwhelmingly run their
// fleets on 192.168.* home/office networks, so those sort first.
const (
	rank192     = 0
	rank10      = 1
	rank172     = 2
	rankPrivate = 3
	rankPublic  = 4
)

// classify returns the preference rank for an IPv4 address.
func classify(ip net.IP) int {
	v4 := ip.To4()
	if v4 == nil {
		return rankPublic
	}
	switch {
	case v4[0] == 192 && v4[1] == 168:
		return rank192
	case v4[0] == 10:
		return rank10
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return rank172
	case ip.IsPrivate():
		return rankPrivate
	default:
		return rankPublic
	}
}

// usable filters out addresses that are useless to peers: loopback,
// link-local (169.254.*, fe80::/10) and unspecified.
func usable(ip net.IP) bool {
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

// SortByPreference orders addresses by subnet class:
// 192.168.* > 10.* > 172.{16..31}.* > other private > public.
// The sort is stable so equal-rank addresses keep their input order.
func SortByPreference(ips []net.IP) []net.IP {
	out := make([]net.IP, len(ips))
	copy(out, ips)
	sort.SliceStable(out, func(i, j int) bool {
		return classify(out[i]) < classify(out[j])
	})
	return out
}

// LocalIPv4Addresses returns the machine's usable IPv4 addresses, ranked by
// preference. When preferredInterface is non-empty, addresses of that
// interface sort ahead of all others.
func LocalIPv4Addresses(preferredInterface string) ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netutil: list interfaces: %w", err)
	}

	var preferred, rest []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if !usable(ip) || ip.To4() == nil {
				continue
			}
			if preferredInterface != "" && iface.Name == preferredInterface {
				preferred = append(preferred, ip)
			} else {
				rest = append(rest, ip)
			}
		}
	}

	return append(SortByPreference(preferred), SortByPreference(rest)...), nil
}

// PrimaryIPv4 returns the best-ranked local IPv4 address, or nil.
func PrimaryIPv4(preferredInterface string) net.IP {
	ips, err := LocalIPv4Addresses(preferredInterface)
	if err != nil || len(ips) == 0 {
		return nil
	}
	return ips[0]
}

// SubnetHosts expands the /24 around ip into all 254 host addresses.
// Used by the LAN sweep; the network and broadcast addresses are skipped.
func SubnetHosts(ip net.IP) []net.IP {
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	hosts := make([]net.IP, 0, 254)
	for last := 1; last <= 254; last++ {
		host := net.IPv4(v4[0], v4[1], v4[2], byte(last))
		hosts = append(hosts, host)
	}
	return hosts
}

// SPDX-License-Identifier: MIT

package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortByPreference(t *testing.T) {
	ips := []net.IP{
		net.ParseIP("8.8.8.8"),
		net.ParseIP("172.20.0.5"),
		net.ParseIP("10.1.2.3"),
		net.ParseIP("192.168.1.50"),
	}

	sorted := SortByPreference(ips)

	require.Equal(t, "192.168.1.50", sorted[0].String())
	require.Equal(t, "10.1.2.3", sorted[1].String())
	require.Equal(t, "172.20.0.5", sorted[2].String())
	require.Equal(t, "8.8.8.8", sorted[3].String())
}

func TestSortByPreferenceStable(t *testing.T) {
	ips := []net.IP{
		net.ParseIP("192.168.1.10"),
		net.ParseIP("192.168.2.10"),
	}
	sorted := SortByPreference(ips)
	require.Equal(t, "192.168.1.10", sorted[0].String())
	require.Equal(t, "192.168.2.10", sorted[1].String())
}

func TestUsableFilters(t *testing.T) {
	require.False(t, usable(net.ParseIP("127.0.0.1")))
	require.False(t, usable(net.ParseIP("169.254.3.4")))
	require.False(t, usable(net.ParseIP("0.0.0.0")))
	require.False(t, usable(nil))
	require.True(t, usable(net.ParseIP("192.168.1.1")))
}

func TestSubnetHosts(t *testing.T) {
	hosts := SubnetHosts(net.ParseIP("192.168.1.50"))
	require.Len(t, hosts, 254)
	require.Equal(t, "192.168.1.1", hosts[0].String())
	require.Equal(t, "192.168.1.254", hosts[253].String())
}

func TestSubnetHostsNonV4(t *testing.T) {
	require.Nil(t, SubnetHosts(net.ParseIP("fe80::1")))
}

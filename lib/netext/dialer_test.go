package netext

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/k6web/lib/types"
)

type mockResolver struct {
	hosts map[string]net.IP
}

func (r *mockResolver) LookupIP(_ context.Context, host string) (net.IP, error) {
	ip, ok := r.hosts[host]
	if !ok {
		return nil, fmt.Errorf("mock lookup %s: no such host", host)
	}
	return ip, nil
}

func TestDialerCheckAndResolveAddress(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		address, expAddress, expErr string
	}{
		// IPv4
		{"1.2.3.4:80", "1.2.3.4:80", ""},
		{"example.com:443", "93.184.216.34:443", ""},
		{"1.2.3.4", "", "address 1.2.3.4: missing port in address"},
		{"256.1.1.1:80", "", "mock lookup 256.1.1.1: no such host"},
		{"blockedv4.host:443", "", "IP (10.0.0.10) is in a blacklisted range (10.0.0.0/8)"},
		{"10.1.2.3:443", "", "IP (10.1.2.3) is in a blacklisted range (10.0.0.0/8)"},
		{"metadata.internal:80", "", "hostname (metadata.internal) is in a blocked pattern (*.internal)"},

		// IPv6
		{"::1", "", "address ::1: too many colons in address"},
		{"[::1.2.3.4]:443", "[::102:304]:443", ""},
		{"[abcd:ef01:2345:6789]:443", "", "mock lookup abcd:ef01:2345:6789: no such host"},
		{"[2001:db8:aaaa:1::100]:443", "[2001:db8:aaaa:1::100]:443", ""},
		{"blockedv6.host:443", "", "IP (2600::1) is in a blacklisted range (2600::/64)"},
	}

	_, block4, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	_, block6, err := net.ParseCIDR("2600::/64")
	require.NoError(t, err)
	blocked, err := types.NewHostnameTrie([]string{"*.internal"})
	require.NoError(t, err)

	dialer := NewDialer(net.Dialer{}, &mockResolver{hosts: map[string]net.IP{
		"example.com":    net.ParseIP("93.184.216.34"),
		"blockedv4.host": net.ParseIP("10.0.0.10"),
		"blockedv6.host": net.ParseIP("2600::1"),
	}})
	dialer.Blacklist = []*net.IPNet{block4, block6}
	dialer.BlockedHostnames = blocked

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.address, func(t *testing.T) {
			t.Parallel()

			address, err := dialer.checkAndResolveAddress(context.Background(), tc.address)
			if tc.expErr != "" {
				assert.EqualError(t, err, tc.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expAddress, address)
		})
	}
}

func TestDialerRefusesBlacklistedAddress(t *testing.T) {
	t.Parallel()

	_, loopback, err := net.ParseCIDR("127.0.0.0/8")
	require.NoError(t, err)

	dialer := NewDialer(net.Dialer{}, nil)
	dialer.Blacklist = []*net.IPNet{loopback}

	_, err = dialer.DialContext(context.Background(), "tcp", "127.0.0.1:1")
	var blErr BlackListedIPError
	require.ErrorAs(t, err, &blErr)
}

// Package netext holds the network extensions the fetch exchange dials
// through: address checks, DNS caching and TLS connection details.
package netext

import (
	"context"
	"fmt"
	"net"

	"github.com/liuxd6825/k6web/lib/types"
)

// Dialer wraps net.Dialer, resolving host names itself so that the final
// address can be checked against the blocked ranges and host names.
type Dialer struct {
	net.Dialer

	Resolver         Resolver
	Blacklist        []*net.IPNet
	BlockedHostnames *types.HostnameTrie
}

// NewDialer constructs a new Dialer with the given net.Dialer and resolver.
func NewDialer(dialer net.Dialer, resolver Resolver) *Dialer {
	if resolver == nil {
		resolver = NewResolver(0, nil)
	}
	return &Dialer{Dialer: dialer, Resolver: resolver}
}

// BlackListedIPError is returned when an IP is blacklisted.
type BlackListedIPError struct {
	ip  net.IP
	net *net.IPNet
}

func (b BlackListedIPError) Error() string {
	return fmt.Sprintf("IP (%s) is in a blacklisted range (%s)", b.ip, b.net)
}

// BlockedHostError is returned when a given hostname is blocked.
type BlockedHostError struct {
	hostname string
	match    string
}

func (b BlockedHostError) Error() string {
	return fmt.Sprintf("hostname (%s) is in a blocked pattern (%s)", b.hostname, b.match)
}

// DialContext wraps the net.Dialer.DialContext and checks the address before dialing it.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	address, err := d.checkAndResolveAddress(ctx, addr)
	if err != nil {
		return nil, err
	}
	return d.Dialer.DialContext(ctx, network, address)
}

func (d *Dialer) checkAndResolveAddress(ctx context.Context, addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		if match, blocked := d.BlockedHostnames.Contains(host); blocked {
			return "", BlockedHostError{hostname: host, match: match}
		}
		if ip, err = d.Resolver.LookupIP(ctx, host); err != nil {
			return "", err
		}
	}

	for _, ipnet := range d.Blacklist {
		if ipnet.Contains(ip) {
			return "", BlackListedIPError{ip: ip, net: ipnet}
		}
	}

	return net.JoinHostPort(ip.String(), port), nil
}

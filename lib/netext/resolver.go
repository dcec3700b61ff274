package netext

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Resolver returns the IP address a host name should be dialed at.
type Resolver interface {
	LookupIP(ctx context.Context, host string) (net.IP, error)
}

// LookupFunc resolves all the addresses of a host.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

func defaultLookup(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

type resolver struct {
	lookup LookupFunc
}

type cacheRecord struct {
	ip         net.IP
	lastLookup time.Time
}

type cacheResolver struct {
	resolver
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cacheRecord
}

// NewResolver returns a resolver preferring the first IPv4 address of a host.
// A positive ttl caches every answer for that long, regardless of the TTL of
// the DNS records. A nil lookup uses the system resolver.
func NewResolver(ttl time.Duration, lookup LookupFunc) Resolver {
	if lookup == nil {
		lookup = defaultLookup
	}
	r := resolver{lookup: lookup}
	if ttl <= 0 {
		return &r
	}
	return &cacheResolver{resolver: r, ttl: ttl, cache: make(map[string]cacheRecord)}
}

func (r *resolver) LookupIP(ctx context.Context, host string) (net.IP, error) {
	ips, err := r.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}

	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

func (r *cacheResolver) LookupIP(ctx context.Context, host string) (net.IP, error) {
	r.mu.Lock()
	record, ok := r.cache[host]
	r.mu.Unlock()
	if ok && time.Since(record.lastLookup) < r.ttl {
		return record.ip, nil
	}

	ip, err := r.resolver.LookupIP(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}

	r.mu.Lock()
	r.cache[host] = cacheRecord{ip: ip, lastLookup: time.Now()}
	r.mu.Unlock()
	return ip, nil
}

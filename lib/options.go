package lib

import (
	"errors"
	"fmt"
	"net"
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/k6web/lib/consts"
	"github.com/liuxd6825/k6web/lib/types"
)

// DefaultFetchChunkSize is the number of bytes a response body stream pulls
// from the network per chunk.
const DefaultFetchChunkSize = 16 * 1024

// Options are the knobs that shape how scripts talk to the network. Every
// field is nullable so config layers can be applied on top of each other,
// a valid value in a higher layer wins.
type Options struct {
	// Maximum number of redirects followed before a request fails.
	MaxRedirects null.Int `json:"maxRedirects" envconfig:"K6WEB_MAX_REDIRECTS"`

	// User-Agent sent when the script doesn't set one.
	UserAgent null.String `json:"userAgent" envconfig:"K6WEB_USER_AGENT"`

	// Upper bound for a single fetch exchange, up to the response headers.
	FetchTimeout types.NullDuration `json:"fetchTimeout" envconfig:"K6WEB_FETCH_TIMEOUT"`

	// Limit requests per second, 0 means unlimited.
	RPS null.Int `json:"rps" envconfig:"K6WEB_RPS"`

	// Number of concurrent exchanges in flight, globally and per host.
	MaxConcurrentFetches        null.Int `json:"maxConcurrentFetches" envconfig:"K6WEB_MAX_CONCURRENT_FETCHES"`
	MaxConcurrentFetchesPerHost null.Int `json:"maxConcurrentFetchesPerHost" envconfig:"K6WEB_MAX_CONCURRENT_FETCHES_PER_HOST"`

	// Size of the reads feeding a response body stream.
	FetchChunkSize null.Int `json:"fetchChunkSize" envconfig:"K6WEB_FETCH_CHUNK_SIZE"`

	// Accept invalid or self-signed TLS certificates.
	InsecureSkipTLSVerify null.Bool `json:"insecureSkipTLSVerify" envconfig:"K6WEB_INSECURE_SKIP_TLS_VERIFY"`

	// Blacklist IP ranges that scripts may not connect to.
	BlacklistIPs []*IPNet `json:"blacklistIPs" envconfig:"K6WEB_BLACKLIST_IPS"`

	// Host name patterns scripts may not connect to.
	BlockedHostnames types.NullHostnameTrie `json:"blockHostnames" envconfig:"K6WEB_BLOCK_HOSTNAMES"`

	// How long resolved addresses are cached, 0 disables the cache.
	DNSCacheTTL types.NullDuration `json:"dnsCacheTTL" envconfig:"K6WEB_DNS_CACHE_TTL"`
}

// IPNet is a wrapper around net.IPNet for JSON unmarshalling
type IPNet struct {
	net.IPNet
}

// UnmarshalText populates the IPNet from the given CIDR
func (ipnet *IPNet) UnmarshalText(b []byte) error {
	newIPNet, err := ParseCIDR(string(b))
	if err != nil {
		return fmt.Errorf("failed to parse CIDR: %w", err)
	}

	*ipnet = *newIPNet
	return nil
}

// MarshalText returns the CIDR notation of the range.
func (ipnet IPNet) MarshalText() ([]byte, error) {
	return []byte(ipnet.String()), nil
}

// ParseCIDR creates an IPNet out of a CIDR string
func ParseCIDR(s string) (*IPNet, error) {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}

	return &IPNet{IPNet: *ipnet}, nil
}

// DefaultOptions returns the lowest configuration layer.
func DefaultOptions() Options {
	return Options{
		MaxRedirects:                null.NewInt(10, false),
		UserAgent:                   null.NewString(fmt.Sprintf("k6web/%s", consts.Version), false),
		FetchTimeout:                types.NewNullDuration(60*time.Second, false),
		RPS:                         null.NewInt(0, false),
		MaxConcurrentFetches:        null.NewInt(0, false),
		MaxConcurrentFetchesPerHost: null.NewInt(0, false),
		FetchChunkSize:              null.NewInt(DefaultFetchChunkSize, false),
		InsecureSkipTLSVerify:       null.NewBool(false, false),
		DNSCacheTTL:                 types.NewNullDuration(5*time.Minute, false),
	}
}

// Apply returns the result of overwriting any fields with any that are set on the argument.
//
// Example:
//
//	a := Options{MaxRedirects: null.IntFrom(10), RPS: null.IntFrom(5)}
//	b := Options{MaxRedirects: null.IntFrom(2)}
//	a.Apply(b) // Options{MaxRedirects: null.IntFrom(2), RPS: null.IntFrom(5)}
func (o Options) Apply(opts Options) Options {
	if opts.MaxRedirects.Valid {
		o.MaxRedirects = opts.MaxRedirects
	}
	if opts.UserAgent.Valid {
		o.UserAgent = opts.UserAgent
	}
	if opts.FetchTimeout.Valid {
		o.FetchTimeout = opts.FetchTimeout
	}
	if opts.RPS.Valid {
		o.RPS = opts.RPS
	}
	if opts.MaxConcurrentFetches.Valid {
		o.MaxConcurrentFetches = opts.MaxConcurrentFetches
	}
	if opts.MaxConcurrentFetchesPerHost.Valid {
		o.MaxConcurrentFetchesPerHost = opts.MaxConcurrentFetchesPerHost
	}
	if opts.FetchChunkSize.Valid {
		o.FetchChunkSize = opts.FetchChunkSize
	}
	if opts.InsecureSkipTLSVerify.Valid {
		o.InsecureSkipTLSVerify = opts.InsecureSkipTLSVerify
	}
	if opts.BlacklistIPs != nil {
		o.BlacklistIPs = opts.BlacklistIPs
	}
	if opts.BlockedHostnames.Valid {
		o.BlockedHostnames = opts.BlockedHostnames
	}
	if opts.DNSCacheTTL.Valid {
		o.DNSCacheTTL = opts.DNSCacheTTL
	}
	return o
}

// Validate checks the consolidated options and returns every problem found.
func (o Options) Validate() []error {
	var errs []error
	if o.MaxRedirects.Int64 < 0 {
		errs = append(errs, errors.New("maxRedirects can't be negative"))
	}
	if o.FetchTimeout.Valid && o.FetchTimeout.TimeDuration() <= 0 {
		errs = append(errs, errors.New("fetchTimeout must be positive"))
	}
	if o.RPS.Int64 < 0 {
		errs = append(errs, errors.New("rps can't be negative"))
	}
	if o.MaxConcurrentFetches.Int64 < 0 || o.MaxConcurrentFetchesPerHost.Int64 < 0 {
		errs = append(errs, errors.New("concurrency limits can't be negative"))
	}
	if o.FetchChunkSize.Valid && o.FetchChunkSize.Int64 <= 0 {
		errs = append(errs, errors.New("fetchChunkSize must be positive"))
	}
	if o.DNSCacheTTL.Valid && o.DNSCacheTTL.TimeDuration() < 0 {
		errs = append(errs, errors.New("dnsCacheTTL can't be negative"))
	}
	return errs
}

package lib

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/oxtoacart/bpool"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/liuxd6825/k6web/lib/netext"
)

// State provides the volatile state for a VU.
type State struct {
	// Consolidated options.
	Options Options

	// Logger. Avoid using the global logger.
	Logger logrus.FieldLogger

	// Networking equipment.
	Dialer    *netext.Dialer
	Transport http.RoundTripper

	// Rate limits.
	RPSLimit *rate.Limiter

	// Concurrency limits for in-flight fetch exchanges.
	FetchLimiter SlotLimiter
	HostLimiter  *MultiSlotLimiter

	// Buffer pool; use instead of allocating fresh buffers when possible.
	BPool *bpool.BufferPool

	// TracerProvider opens the spans around network exchanges.
	TracerProvider trace.TracerProvider
}

// NewState builds the networking equipment described by opts.
func NewState(opts Options, logger logrus.FieldLogger) *State {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dialer := netext.NewDialer(net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}, netext.NewResolver(opts.DNSCacheTTL.TimeDuration(), nil))
	for _, ipnet := range opts.BlacklistIPs {
		dialer.Blacklist = append(dialer.Blacklist, &ipnet.IPNet)
	}
	if opts.BlockedHostnames.Valid {
		dialer.BlockedHostnames = opts.BlockedHostnames.Trie
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: opts.InsecureSkipTLSVerify.Bool}, //nolint:gosec
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		// Bodies are decoded by the fetch layer so Content-Encoding stays visible.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}

	var rps *rate.Limiter
	if opts.RPS.Int64 > 0 {
		rps = rate.NewLimiter(rate.Limit(opts.RPS.Int64), 1)
	}

	return &State{
		Options:        opts,
		Logger:         logger,
		Dialer:         dialer,
		Transport:      transport,
		RPSLimit:       rps,
		FetchLimiter:   NewSlotLimiter(int(opts.MaxConcurrentFetches.Int64)),
		HostLimiter:    NewMultiSlotLimiter(int(opts.MaxConcurrentFetchesPerHost.Int64)),
		BPool:          bpool.NewBufferPool(100),
		TracerProvider: otel.GetTracerProvider(),
	}
}

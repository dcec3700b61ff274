package cmd

import (
	"fmt"

	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/k6web/lib"
	"github.com/liuxd6825/k6web/lib/types"
)

func optionFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", 0)
	flags.SortFlags = false
	flags.Int64("max-redirects", 10, "follow at most n redirects")
	flags.String("user-agent", "", "user agent for fetch requests that don't set one")
	flags.String("fetch-timeout", "60s", "timeout for a fetch to receive the response headers")
	flags.Int64("rps", 0, "limit requests per second")
	flags.Int64("max-concurrent-fetches", 0, "limit the fetches in flight, 0 for unlimited")
	flags.Int64("max-concurrent-fetches-per-host", 0, "limit the fetches in flight to one host, 0 for unlimited")
	flags.Int64("fetch-chunk-size", lib.DefaultFetchChunkSize, "bytes read from the network per response body chunk")
	flags.Bool("insecure-skip-tls-verify", false, "skip verification of TLS certificates")
	flags.StringSlice("blacklist-ip", nil, "blacklist an `ip range` from being called")
	flags.StringSlice("block-hostnames", nil, "block a case-insensitive hostname `pattern`,"+
		" with optional leading wildcard, from being called")
	flags.String("dns-cache-ttl", "5m", "how long resolved addresses are cached, 0 disables the cache")
	flags.String("console-output", "", "redirects the console logging to the provided output file")
	return flags
}

func getNullInt64(flags *pflag.FlagSet, name string) (null.Int, error) {
	v, err := flags.GetInt64(name)
	if err != nil {
		return null.Int{}, err
	}
	return null.NewInt(v, flags.Changed(name)), nil
}

func getNullDuration(flags *pflag.FlagSet, name string) (types.NullDuration, error) {
	s, err := flags.GetString(name)
	if err != nil {
		return types.NullDuration{}, err
	}
	d, err := types.ParseExtendedDuration(s)
	if err != nil {
		return types.NullDuration{}, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return types.NewNullDuration(d, flags.Changed(name)), nil
}

// getOptions returns the options set on the command line. Flags left at
// their defaults produce invalid (unset) values so they don't override
// other config layers.
func getOptions(flags *pflag.FlagSet) (lib.Options, error) {
	var (
		opts lib.Options
		err  error
	)

	for name, dst := range map[string]*null.Int{
		"max-redirects":                   &opts.MaxRedirects,
		"rps":                             &opts.RPS,
		"max-concurrent-fetches":          &opts.MaxConcurrentFetches,
		"max-concurrent-fetches-per-host": &opts.MaxConcurrentFetchesPerHost,
		"fetch-chunk-size":                &opts.FetchChunkSize,
	} {
		if *dst, err = getNullInt64(flags, name); err != nil {
			return opts, err
		}
	}

	if opts.FetchTimeout, err = getNullDuration(flags, "fetch-timeout"); err != nil {
		return opts, err
	}
	if opts.DNSCacheTTL, err = getNullDuration(flags, "dns-cache-ttl"); err != nil {
		return opts, err
	}

	if flags.Changed("user-agent") {
		ua, err := flags.GetString("user-agent")
		if err != nil {
			return opts, err
		}
		opts.UserAgent = null.StringFrom(ua)
	}

	if flags.Changed("insecure-skip-tls-verify") {
		skip, err := flags.GetBool("insecure-skip-tls-verify")
		if err != nil {
			return opts, err
		}
		opts.InsecureSkipTLSVerify = null.BoolFrom(skip)
	}

	blacklist, err := flags.GetStringSlice("blacklist-ip")
	if err != nil {
		return opts, err
	}
	for _, s := range blacklist {
		ipnet, err := lib.ParseCIDR(s)
		if err != nil {
			return opts, fmt.Errorf("invalid blacklist-ip %q: %w", s, err)
		}
		opts.BlacklistIPs = append(opts.BlacklistIPs, ipnet)
	}

	if flags.Changed("block-hostnames") {
		patterns, err := flags.GetStringSlice("block-hostnames")
		if err != nil {
			return opts, err
		}
		if opts.BlockedHostnames, err = types.NewNullHostnameTrie(patterns); err != nil {
			return opts, err
		}
	}

	return opts, nil
}

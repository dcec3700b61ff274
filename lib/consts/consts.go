// Package consts houses some constants needed across k6web
package consts

import (
	"fmt"
	"runtime"
)

// Version contains the current semantic version of k6web.
const Version = "0.3.0"

// FullVersion returns the version together with the platform it was built for.
func FullVersion() string {
	return fmt.Sprintf("%s (%s, %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Banner is printed by the CLI before running a script.
const Banner = `   __   ____                 __
  / /__/ __/ _    _____ ___ / /
 /  '_/ _ \ |/|/ / -_) _ \/ _ \
/_/\_\\___/__,__/\__/_.__/_.__/`

// VersionDetails returns the version and build platform as a map, for
// machine readable output.
func VersionDetails() map[string]string {
	return map[string]string{
		"version":    Version,
		"go_version": runtime.Version(),
		"go_os":      runtime.GOOS,
		"go_arch":    runtime.GOARCH,
	}
}

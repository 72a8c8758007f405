// Package version carries build information injected at link time.
package version

import "fmt"

// Example: go build -ldflags "-X switchyard/pkg/version.Version=v0.3.0".
//
//nolint:gochecknoglobals // These must be package-level vars for ldflags injection.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build information on one line.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

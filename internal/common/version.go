package common

import "fmt"

// Build identity, stamped with -ldflags at release time. A dev build
// reports "dev".
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the short version string used in the banner and
// the status endpoint.
func GetVersion() string {
	return Version
}

// GetFullVersion returns the version with build metadata for --version
// output and crash reports.
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

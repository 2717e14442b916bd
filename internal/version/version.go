// Package version carries build identification stamped in at link time.
package version

import "fmt"

var (
	// Version is set at build time using -ldflags.
	Version = "dev"

	// CommitHash is the git commit hash.
	CommitHash = "unknown"

	// BuildDate is the build date.
	BuildDate = "unknown"
)

// GetVersionString returns the full version line.
func GetVersionString() string {
	return fmt.Sprintf("buddyd %s (commit: %s, built: %s)", Version, CommitHash, BuildDate)
}

// GetShortVersion returns just the version number.
func GetShortVersion() string {
	return Version
}

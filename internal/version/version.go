package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent returns the default User-Agent sent to the remote treasury and platform APIs.
func UserAgent() string {
	return fmt.Sprintf("mintsync/%s", Version)
}

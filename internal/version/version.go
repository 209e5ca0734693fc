// Package version holds build metadata set with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	GitSHA  = "unknown"
	// BuildTime is an RFC 3339 timestamp.
	BuildTime = "unknown"
)

// String formats the build metadata for `calibrate version`.
func String() string {
	sha := GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("modelsweep %s (%s, built %s)", Version, sha, BuildTime)
}

// UserAgent is sent by the sweep API client.
func UserAgent() string {
	return "modelsweep/" + Version
}

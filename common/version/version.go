// Package version holds build metadata injected with -ldflags -X.
package version

var (
	// Version is the release tag.
	Version = "v0.0.0-dev"

	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"

	// BuildTime is the RFC 3339 build timestamp.
	BuildTime = "unknown"
)

// String renders the build metadata for startup logs.
func String() string {
	return Version + " (" + GitCommit + ", built " + BuildTime + ")"
}

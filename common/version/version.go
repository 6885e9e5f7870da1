// Package version carries build metadata injected through -ldflags.
package version

var (
	// Version is the release tag (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the commit the binary was built from (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Info returns a one-line description suitable for a startup banner.
func Info() string {
	return "kotoba " + Version + " (" + GitCommit + ", built " + BuildTime + ")"
}

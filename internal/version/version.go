// Package version exposes build metadata stamped via -ldflags.
package version

var (
	// Version is the semantic version of the build (set at link time)
	Version = "dev"
	// Commit is the git commit the binary was built from
	Commit = "unknown"
	// BuildDate is the UTC build timestamp
	BuildDate = "unknown"
)

// String returns the full version string for display
func String() string {
	return Version + " (" + Commit + ", " + BuildDate + ")"
}

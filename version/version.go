// Package version holds build information for agproxy, set via ldflags.
package version

var (
	// Version is the semantic version of the build.
	// Set via ldflags: -X github.com/anime-games-proxy/agproxy/version.Version=x.y.z.
	Version = "dev"

	// Commit is the git commit hash of the build.
	Commit = "unknown"

	// Date is the build date in RFC3339 format.
	Date = "unknown"
)

// String returns the version with its commit and build date.
func String() string {
	return Version + " (" + Commit + ", built " + Date + ")"
}

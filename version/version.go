package version

var (
	// PeersyncVersion is the semantic version of this build, set via ldflags
	// for release builds.
	PeersyncVersion = "0.1.0-dev"

	// GitCommit is the current HEAD, set via ldflags.
	GitCommit string
)

func init() {
	if GitCommit != "" {
		PeersyncVersion += "+" + GitCommit
	}
}

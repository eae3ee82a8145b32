// Package version exposes build metadata stamped in via ldflags.
package version

import "runtime"

var (
	// Version is the release version, set at build time.
	Version = "dev"
	// Commit is the git commit hash, set at build time.
	Commit = "unknown"
	// BuildTime is the build timestamp, set at build time.
	BuildTime = "unknown"
)

// Info bundles the build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns the build metadata of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

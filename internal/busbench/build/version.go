// Package build holds version information set at link time, e.g.
// -ldflags "-X github.com/G-Research/busbench/internal/busbench/build.ReleaseVersion=v1.0.0".
package build

import "runtime"

var (
	ReleaseVersion = "UNKNOWN"
	GitCommit      = "UNKNOWN"
	BuildTime      = "UNKNOWN"
	GoVersion      = runtime.Version()
)

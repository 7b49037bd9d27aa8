// Package version carries build-time version information for fetchkit
// binaries. Fields are populated via ldflags; defaults identify a local
// development build.
package version

import (
	"fmt"
	"runtime"
)

// Info describes one built binary.
type Info struct {
	// Version is the full display string, e.g. "Relay (2026.01) - v1.0.0-8c31d02"
	Version string

	// ReleaseName is the release codename (e.g. "Relay")
	ReleaseName string

	// ReleaseVersion is the semantic version (e.g. "1.0.0")
	ReleaseVersion string

	// BuildDate is the ISO 8601 build timestamp
	BuildDate string

	// GitCommit is the short commit hash the binary was built from
	GitCommit string
}

// New returns an Info describing an untagged development build.
func New() *Info {
	return &Info{
		Version:        "dev",
		ReleaseName:    "Relay",
		ReleaseVersion: "0.0.0",
		BuildDate:      "unknown",
		GitCommit:      "unknown",
	}
}

// Short returns the compact form: release version plus commit.
func (i *Info) Short() string {
	return fmt.Sprintf("v%s-%s", i.ReleaseVersion, i.GitCommit)
}

// Full returns the detailed multi-line form.
func (i *Info) Full() string {
	return fmt.Sprintf(`%s
  Release:    %s
  Version:    %s
  Build Date: %s
  Git Commit: %s
  Go Version: %s`,
		i.Version,
		i.ReleaseName,
		i.ReleaseVersion,
		i.BuildDate,
		i.GitCommit,
		runtime.Version(),
	)
}

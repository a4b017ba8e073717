// Package version identifies the updater binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags "-X otaupdater/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the ldflags values, completed from the VCS stamp of the build.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildDate == "" {
				info.BuildDate = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// String renders a one-line summary such as
// "otaupdater 1.2.0 (abc1234, 2025-01-02T10:00:00Z, go1.24.4, linux/arm64)".
func (i Info) String() string {
	parts := make([]string, 0, 4)
	if i.Commit != "" {
		commit := i.Commit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		if i.Modified {
			commit += "-dirty"
		}
		parts = append(parts, commit)
	}
	if i.BuildDate != "" {
		parts = append(parts, i.BuildDate)
	}
	parts = append(parts, i.GoVersion, i.Platform)
	return fmt.Sprintf("otaupdater %s (%s)", i.Version, strings.Join(parts, ", "))
}

// UserAgent is sent with every request to the update server.
func UserAgent() string {
	return fmt.Sprintf("otaupdater/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

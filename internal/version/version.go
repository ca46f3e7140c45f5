// Package version holds build information injected with ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/keysync/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/keysync/internal/version.Commit=$(git rev-parse HEAD)"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	// Version is a SemVer string, "dev" for local builds.
	Version = "dev"
	// Commit is the full git commit SHA.
	Commit = "unknown"
	// Date is the RFC3339 build time.
	Date = "unknown"
)

// ApplicationName is used in the User-Agent and CLI output.
const ApplicationName = "keysync"

// Info is the structured build information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns the build information. A missing commit is taken from the
// VCS stamp of the binary when present.
func GetInfo() Info {
	commit := Commit
	if commit == "unknown" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					commit = s.Value
				}
			}
		}
	}
	return Info{
		Version:   Version,
		Commit:    commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func short(commit string) string {
	if len(commit) >= 8 {
		return commit[:8]
	}
	return commit
}

// String is the long form printed by the version command.
func String() string {
	info := GetInfo()
	return fmt.Sprintf("%s %s (commit %s, built %s, %s, %s)",
		ApplicationName, info.Version, short(info.Commit), info.Date, info.GoVersion, info.Platform)
}

// UserAgent is sent on key pull requests.
func UserAgent() string {
	return ApplicationName + "/" + Version
}

// IsRelease reports whether Version is a tagged release rather than a local
// or snapshot build.
func IsRelease() bool {
	return Version != "dev" && !strings.Contains(Version, "-SNAPSHOT")
}

// Package version reports the build of the running binary.
package version

import (
	"runtime/debug"
	"strings"
)

// AppName prefixes the User-Agent of outbound HTTP clients.
const AppName = "jobstream"

// commit is set with -ldflags "-X github.com/pdfmap/jobstream/pkg/version.commit=<sha>"
// for builds without VCS metadata, such as container images.
var commit string

// Build describes the running binary.
type Build struct {
	Commit    string `json:"commit"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

var current = readBuild(commit)

// GitCommit is the short commit hash of the build, "dev" when unknown
// (go test, builds outside a checkout).
var GitCommit = current.Commit

// Current returns the build description.
func Current() Build {
	return current
}

// UserAgent is "jobstream/<commit>".
func UserAgent() string {
	return AppName + "/" + GitCommit
}

func readBuild(override string) Build {
	b := Build{Commit: "dev"}
	info, ok := debug.ReadBuildInfo()
	if ok {
		b.GoVersion = info.GoVersion
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					b.Commit = s.Value
				}
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	if o := strings.TrimSpace(override); o != "" {
		b.Commit = o
	}
	if len(b.Commit) > 8 {
		b.Commit = b.Commit[:8]
	}
	return b
}

// Package version provides build and version information for pdindex.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the current version of pdindex.
// Set via ldflags at build time, or defaults to dev.
// The Makefile sets: -X github.com/Aman-CERP/pdindex/pkg/version.Version=$(VERSION)
var Version = "dev"

// Build information set via ldflags at build time.
var (
	// Commit is the git commit hash.
	Commit = "unknown"

	// Date is the build date in RFC3339 format.
	Date = "unknown"

	// GoVersion is the Go version used to build the binary (set at runtime).
	GoVersion = runtime.Version()
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// String returns a formatted version string with all build info.
func String() string {
	info := GetInfo()
	return fmt.Sprintf("pdindex %s (commit: %s, built: %s, go: %s)",
		info.Version, info.Commit, info.Date, info.GoVersion)
}

// Short returns just the version string.
func Short() string {
	return Version
}

// UserAgent is sent on outgoing requests to business card providers.
func UserAgent() string {
	return "pdindex/" + Version
}

// GetInfo returns structured version information. A binary built without
// ldflags falls back to the VCS stamp the Go toolchain embeds.
func GetInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	if info.Commit != "unknown" {
		return info
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if len(s.Value) > 12 {
					info.Commit = s.Value[:12]
				} else if s.Value != "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.Date == "unknown" && s.Value != "" {
					info.Date = s.Value
				}
			}
		}
	}
	return info
}

// Package version reports what build of the daemon or CLI is running.
// All identifying values are injected at link time; a binary built
// without -ldflags identifies itself as a dev build.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Injected via -ldflags at build time.
var (
	Version   = "dev"     // semantic version tag, e.g. v0.3.1
	GitCommit = "unknown" // full commit hash of the build tree
	GitTag    = "unknown" // nearest git tag, when one exists
	BuildDate = "unknown" // timestamp the binary was linked
	Component = "unknown" // which binary: dexoptd or dexoptctl
)

// BuildInfo bundles the injected values with what the Go runtime knows
// about the toolchain and target.
type BuildInfo struct {
	Version      string `json:"version"`
	GitCommit    string `json:"git_commit"`
	GitTag       string `json:"git_tag"`
	BuildDate    string `json:"build_date"`
	Component    string `json:"component"`
	GoVersion    string `json:"go_version"`
	Compiler     string `json:"compiler"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
}

func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:      Version,
		GitCommit:    GitCommit,
		GitTag:       GitTag,
		BuildDate:    BuildDate,
		Component:    Component,
		GoVersion:    runtime.Version(),
		Compiler:     runtime.Compiler,
		Platform:     runtime.GOOS,
		Architecture: runtime.GOARCH,
	}
}

// GetVersion picks the most specific identifier available: the tagged
// version, then the git tag, then a dev string derived from the commit.
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if GitTag != "unknown" && GitTag != "" {
		return GitTag
	}
	return fmt.Sprintf("dev-%s", GitCommit)
}

// GetShortVersion is the one-line form used in startup logs: the
// version plus an abbreviated commit when one was injected.
func GetShortVersion() string {
	v := GetVersion()
	if GitCommit != "unknown" && len(GitCommit) >= 7 {
		return fmt.Sprintf("%s (%s)", v, GitCommit[:7])
	}
	return v
}

// GetLongVersion is the multi-line form behind the version subcommand.
// Lines whose value was never injected are omitted.
func GetLongVersion() string {
	info := GetBuildInfo()

	var b strings.Builder
	fmt.Fprintf(&b, "%s version %s\n", info.Component, GetShortVersion())
	if info.BuildDate != "unknown" {
		fmt.Fprintf(&b, "Built: %s\n", info.BuildDate)
	}
	if info.GitCommit != "unknown" {
		fmt.Fprintf(&b, "Commit: %s\n", info.GitCommit)
	}
	fmt.Fprintf(&b, "Go: %s\n", info.GoVersion)
	fmt.Fprintf(&b, "Platform: %s/%s\n", info.Platform, info.Architecture)
	return b.String()
}

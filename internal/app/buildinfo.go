package app

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

var (
	// Version is filled by ldflags in release builds.
	Version = "dev"
	// Commit is filled by ldflags in release builds.
	Commit = ""
	// BuildDate is filled by ldflags in release builds.
	BuildDate = ""
)

func BuildVersion() string {
	version := strings.TrimSpace(Version)
	if version == "" {
		return "dev"
	}

	return version
}

func BuildDateYMD() string {
	raw := strings.TrimSpace(BuildDate)
	if raw == "" {
		return ""
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.Format(time.DateOnly)
	}
	if len(raw) >= len(time.DateOnly) {
		if _, err := time.Parse(time.DateOnly, raw[:len(time.DateOnly)]); err == nil {
			return raw[:len(time.DateOnly)]
		}
	}

	return raw
}

// BuildSummary is the one-line version string printed by the CLI.
func BuildSummary() string {
	parts := []string{BuildVersion()}
	if commit := strings.TrimSpace(Commit); commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		parts = append(parts, commit)
	}
	if date := BuildDateYMD(); date != "" {
		parts = append(parts, date)
	}

	return fmt.Sprintf("%s %s (%s/%s, %s)", Name, strings.Join(parts, " "), runtime.GOOS, runtime.GOARCH, runtime.Version())
}

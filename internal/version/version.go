// Package version resolves the agent's version string. Releases inject it
// with -ldflags; development builds fall back to a VCS pseudo-version from
// the embedded build info.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "github.com/hullworks/deckhand"

// buildVersion is injected at link time:
// -ldflags "-X github.com/hullworks/deckhand/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Current returns the agent version with any +dirty suffix stripped.
func Current() string {
	return resolve(false)
}

// CurrentWithDirty keeps the +dirty suffix when the working tree was
// modified at build time.
func CurrentWithDirty() string {
	return resolve(true)
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

func resolve(keepDirty bool) string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return stripDirty(v, keepDirty)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return stripDirty(v, keepDirty)
		}
		if v := pseudoFromBuildInfo(info, keepDirty); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

func stripDirty(v string, keepDirty bool) string {
	if keepDirty {
		return v
	}
	return strings.TrimSuffix(v, "+dirty")
}

// pseudoFromBuildInfo synthesizes a go-style pseudo-version from the vcs
// stamp go embeds in binaries built inside a repository.
func pseudoFromBuildInfo(info *debug.BuildInfo, keepDirty bool) string {
	if info == nil {
		return ""
	}
	var revision, stamp string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			stamp = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if modified && keepDirty {
		v += "+dirty"
	}
	return v
}

package core

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Version is the running binary's version, resolved once at startup. Both
// the supervisor and the CLI client report it; the VERSION control command
// lets a client detect a stale supervisor after an upgrade.
var Version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		Version = "devel"
		return
	}
	Version = versionFromBuildInfo(info)
}

// versionFromBuildInfo prefers the tagged module version; local builds get
// a devel-<commit> string from the VCS stamp instead, marked dirty when the
// worktree was modified.
func versionFromBuildInfo(info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		return v
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "devel"
	}

	short := revision
	if len(short) > 7 {
		short = short[:7]
	}
	v := fmt.Sprintf("devel-%s", short)
	if dirty {
		v += "-dirty"
	}
	return v
}

// FormatVersion strips the "v" prefix from tagged releases; devel versions
// pass through unchanged.
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// isPseudoVersion reports whether v looks like a Go module pseudo-version,
// i.e. ends with a 12-character hex commit hash.
func isPseudoVersion(v string) bool {
	if i := strings.Index(v, "+"); i >= 0 {
		v = v[:i]
	}
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return false
	}
	hash := v[i+1:]
	if len(hash) != 12 {
		return false
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

package core

import (
	"runtime/debug"
	"strings"
)

// Version of the running binary, resolved from the embedded build info
var Version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		Version = "devel"
		return
	}
	Version = versionFromBuildInfo(info)
}

// versionFromBuildInfo prefers a tagged module version and falls back to
// devel-<short revision>[-dirty] for local builds.
func versionFromBuildInfo(info *debug.BuildInfo) string {
	// Pseudo-versions are what Go 1.24+ stamps on local builds
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

	v := "devel-" + revision[:min(len(revision), 7)]
	if dirty {
		v += "-dirty"
	}
	return v
}

// FormatVersion strips the "v" of tagged releases for display:
// "v1.2.0" → "1.2.0", "devel-ad721b3" stays as is.
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// SameVersion reports whether a daemon and a client were built from the
// same source. Devel builds only match themselves exactly.
func SameVersion(a, b string) bool {
	return FormatVersion(a) == FormatVersion(b)
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
	return strings.Trim(hash, "0123456789abcdef") == ""
}

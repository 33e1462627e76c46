package version

import (
	"fmt"
	"strings"
)

var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// FormatVersion returns a display-friendly version string. For normal versions
// it ensures a "v" prefix (e.g. "0.3.0" → "v0.3.0"). Special values like
// "dev" and empty strings are returned as-is.
func FormatVersion(v string) string {
	if v == "" || v == "dev" {
		return v
	}
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// normalizeVersion strips a leading "v" and any git-describe commit suffix
// ("-<count>-g<hash>") so builds from the same tag compare equal.
func normalizeVersion(v string) string {
	v = strings.TrimPrefix(v, "v")
	parts := strings.Split(v, "-")
	for i := 1; i < len(parts)-1; i++ {
		if isCommitCount(parts[i]) && isCommitHash(parts[i+1]) {
			return strings.Join(parts[:i], "-")
		}
	}
	return v
}

func isCommitCount(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isCommitHash(s string) bool {
	if len(s) < 7 || s[0] != 'g' {
		return false
	}
	for _, r := range s[1:] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// CheckVersionMismatch compares the local build version with the daemon's
// reported version. It returns a human-readable warning when the versions
// differ, or an empty string when they match or when either side reports a
// placeholder ("dev", "0.0.0", empty).
func CheckVersionMismatch(daemonVersion string) string {
	if daemonVersion == "" || version == "" {
		return ""
	}
	client := version
	if client == "dev" || daemonVersion == "dev" {
		return ""
	}
	if client == "0.0.0" || daemonVersion == "0.0.0" {
		return ""
	}
	clientNorm := normalizeVersion(client)
	daemonNorm := normalizeVersion(daemonVersion)
	if clientNorm == daemonNorm {
		return ""
	}
	return fmt.Sprintf(
		"WARNING: sp %s connected to spd %s (version mismatch), please restart the daemon or reinstall",
		FormatVersion(client), FormatVersion(daemonVersion),
	)
}

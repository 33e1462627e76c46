package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const DefaultProfile = "default"

// ProfilePaths contains all filesystem paths for a Simply Plural profile.
type ProfilePaths struct {
	Home     string // Profile home directory
	ConfigDB string // SQLite configuration store path
	Socket   string // Daemon Unix socket path
	Lock     string // Daemon pid file path
	Logs     string // Logs directory
	Cache    string // Disk cache directory
}

// GetProfilePaths returns all paths for a given profile.
// Empty profile name defaults to "default".
func GetProfilePaths(profileName string) ProfilePaths {
	if profileName == "" {
		profileName = DefaultProfile
	}

	profileDir := filepath.Join(GetHome(), "profiles", profileName)

	return ProfilePaths{
		Home:     profileDir,
		ConfigDB: filepath.Join(profileDir, "config.db"),
		Socket:   SocketPath(profileName),
		Lock:     filepath.Join(profileDir, "daemon.lock"),
		Logs:     filepath.Join(profileDir, "logs"),
		Cache:    filepath.Join(profileDir, "cache"),
	}
}

// SocketPath returns the daemon Unix socket path for a profile. The path
// matches the one used by existing daemon clients, so it lives under the
// system temp directory rather than the profile home.
func SocketPath(profileName string) string {
	if profileName == "" {
		profileName = DefaultProfile
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("sp-daemon-%s.sock", profileName))
}

// GetHome returns the Simply Plural home directory (~/.simplyplural).
func GetHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".simplyplural")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureProfileDirs creates the directory structure for the given profile
// if it does not exist.
func EnsureProfileDirs(profileName string) (ProfilePaths, error) {
	paths := GetProfilePaths(profileName)

	dirs := []string{
		paths.Home,
		paths.Logs,
		paths.Cache,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}

// Package paths lays out the per-profile data directory of the daemon.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/matheus3301/convsync/internal/config"
)

// HomeEnv overrides the base directory.
const HomeEnv = "CONVSYNC_HOME"

const DefaultProfile = "main"

var profileRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// BaseDir returns $CONVSYNC_HOME, or ~/.convsync.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".convsync")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// SocketPath returns the local API socket of a profile.
func SocketPath(profile string) string {
	return filepath.Join(Dir(profile), "convsyncd.sock")
}

// DBPath returns the SQLite database path for a profile.
func DBPath(profile string) string {
	return filepath.Join(Dir(profile), "convsync.db")
}

func LogDir(profile string) string {
	return filepath.Join(Dir(profile), "logs")
}

// LogPath returns the daemon log file path for a profile.
func LogPath(profile string) string {
	return filepath.Join(LogDir(profile), "convsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with owner-only permissions.
func EnsureDir(profile string) error {
	for _, d := range []string{Dir(profile), LogDir(profile)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ValidateProfile checks that name is safe to use as a directory name.
func ValidateProfile(name string) error {
	if !profileRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// ResolveProfile determines the active profile using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml default_profile
// 3. "main"
func ResolveProfile(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfile
}

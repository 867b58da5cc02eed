// Package profile resolves and lays out per-profile state on disk.
package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.streakchat, or $STREAKCHAT_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("STREAKCHAT_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".streakchat")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the UDS socket path for a profile.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// DBPath returns the failed-send journal path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "streak.db")
}

// SettingsPath returns the profile's settings.toml.
func SettingsPath(name string) string {
	return filepath.Join(Dir(name), "settings.toml")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "streakd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// Package profile lays out one local account's directory under ~/.beegram.
package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.beegram, or $BEEGRAM_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("BEEGRAM_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".beegram")
}

// Dir returns the profile directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the control socket of a profile's daemon.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// CallLogPath returns the sqlite call log.
func CallLogPath(name string) string {
	return filepath.Join(Dir(name), "beegram.db")
}

// ClientConfigPath returns the profile's client.toml.
func ClientConfigPath(name string) string {
	return filepath.Join(Dir(name), "client.toml")
}

func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "beegramd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

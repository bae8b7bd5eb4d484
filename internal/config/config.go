// Package config reads the global ~/.beegram/config.toml and the per-profile
// client.toml, with BEEGRAM_* environment variables layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the global file shared by every profile.
type Config struct {
	// DefaultProfile is used when neither a flag nor BEEGRAM_PROFILE names one.
	DefaultProfile string `toml:"default_profile"`
}

// Load decodes the global file. A missing file is an error matching
// os.ErrNotExist.
func Load(path string) (*Config, error) {
	cfg := new(Config)
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Save encodes v as TOML into path. The file is written next to its final
// name and renamed over it, so readers never see half a file. Files may
// hold a session cookie or password and stay private to the user.
func Save(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	err = toml.NewEncoder(tmp).Encode(v)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0600)
	}
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

package profile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/beegramm/beegram/internal/lock"
)

// Info describes one profile directory.
type Info struct {
	Name string `json:"name"`
	Path string `json:"path"`
	// PID of the daemon holding the profile, 0 when none.
	PID int `json:"pid,omitempty"`
}

// List returns every valid profile under BaseDir, sorted by name.
func List() ([]Info, error) {
	root := filepath.Join(BaseDir(), "profiles")
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		dir := filepath.Join(root, e.Name())
		out = append(out, Info{Name: e.Name(), Path: dir, PID: lock.Owner(dir)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

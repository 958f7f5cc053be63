package fs

import (
	"fmt"
	"os"
	"path/filepath"
)

// MkdirP creates path recursively with the given mode (like `mkdir -p`).
// It does not error if the directory already exists.
func MkdirP(path string, mode os.FileMode) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	return os.MkdirAll(path, mode)
}

// CleanupDir removes everything under dir without removing dir itself
// — restore's non-delta mode uses this to empty an existing PGDATA
// before repopulating it from a backup, rather than rmdir/mkdir'ing the
// mount point back into existence.
func CleanupDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}

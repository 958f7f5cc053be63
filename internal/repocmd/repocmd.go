// Package repocmd implements `repo-ls`/`repo-get`/`repo-put`/`repo-rm`
// (SPEC_FULL.md's Commands module: "thin CLI wrappers directly over the
// internal/storage facade, useful for operator debugging of a
// configured repository"). Unlike backup/restore/expire, these
// commands address the repository directly by path and never touch
// info files, manifests, or locks — they're closer to `ls`/`cat`/`cp`/
// `rm` scoped to the configured repository root.
package repocmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// Entry is one repository listing row, mirroring the fields the source
// system's `repo-ls` prints.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"type-dir,omitempty"`
	Size  int64  `json:"size,omitempty"`
}

// List implements `repo-ls <path>`: a sorted, name-only directory
// listing (level-exists is enough for a plain listing; size needs the
// caller to opt into detail since object stores charge extra round-
// trips for it).
func List(ctx context.Context, store *storage.Storage, path string, detail bool) ([]Entry, error) {
	level := storage.LevelExists
	if detail {
		level = storage.LevelBasic
	}
	records, err := store.List(ctx, path, "", level)
	if err != nil {
		return nil, fmt.Errorf("repo-ls %s: %w", path, err)
	}
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, Entry{Name: r.Name, IsDir: r.IsDir, Size: r.Size})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Get implements `repo-get <repo-path> <dest-path>`: copies one
// repository object's raw bytes (whatever compression/encryption it's
// stored under — `repo-get` does not decode, unlike `restore`/`verify`)
// to a local file.
func Get(ctx context.Context, store *storage.Storage, repoPath, destPath string) error {
	data, err := store.GetAll(ctx, repoPath)
	if err != nil {
		return fmt.Errorf("repo-get %s: %w", repoPath, err)
	}
	if err := os.WriteFile(destPath, data, 0o640); err != nil {
		return fmt.Errorf("repo-get %s: write %s: %w", repoPath, destPath, err)
	}
	return nil
}

// Put implements `repo-put <src-path> <repo-path>`: writes a local
// file's raw bytes straight to the repository, atomically, creating
// any missing parent path.
func Put(ctx context.Context, store *storage.Storage, srcPath, repoPath string) (int64, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("repo-put: open %s: %w", srcPath, err)
	}
	defer f.Close()

	n, err := store.PutAll(ctx, repoPath, io.Reader(f), storage.WriteOptions{Atomic: true, CreatePath: true})
	if err != nil {
		return n, fmt.Errorf("repo-put %s: %w", repoPath, err)
	}
	return n, nil
}

// Remove implements `repo-rm <repo-path> [--recurse]`.
func Remove(ctx context.Context, store *storage.Storage, repoPath string, recurse bool) error {
	var err error
	if recurse {
		err = store.PathRemove(ctx, repoPath, true)
	} else {
		err = store.Remove(ctx, repoPath, true)
	}
	if err != nil {
		return fmt.Errorf("repo-rm %s: %w", repoPath, err)
	}
	return nil
}

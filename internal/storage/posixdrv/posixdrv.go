// Package posixdrv implements storage.Driver over the local filesystem,
// the repository backend spec.md §4.5 names first.
package posixdrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vbp1/pgbackrest-go/internal/ioend"
	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// Driver is a storage.Driver rooted at a base directory; all paths
// passed to its methods are relative to Base.
type Driver struct {
	Base string
	// Fsync, when true, fsyncs each written file (and its parent
	// directory, for the rename) before returning from Close.
	Fsync bool
}

// New returns a posix driver rooted at base.
func New(base string, fsync bool) *Driver {
	return &Driver{Base: base, Fsync: fsync}
}

func (d *Driver) Features() storage.Feature {
	return storage.FeaturePath | storage.FeatureHardlink | storage.FeatureInfoDetail | storage.FeatureSymlink
}

func (d *Driver) abs(path string) string { return filepath.Join(d.Base, path) }

func (d *Driver) Info(_ context.Context, path string, level storage.InfoLevel) (storage.InfoRecord, error) {
	full := d.abs(path)
	fi, err := os.Lstat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.InfoRecord{Name: path, Exists: false}, nil
		}
		return storage.InfoRecord{}, fmt.Errorf("posixdrv: info %s: %w", path, err)
	}
	rec := storage.InfoRecord{
		Name:   path,
		Exists: true,
		IsDir:  fi.IsDir(),
		IsLink: fi.Mode()&os.ModeSymlink != 0,
		Size:   fi.Size(),
	}
	if level >= storage.LevelBasic {
		rec.ModTime = fi.ModTime()
		rec.Mode = uint32(fi.Mode().Perm())
	}
	return rec, nil
}

func (d *Driver) List(_ context.Context, path string, expr string, level storage.InfoLevel) ([]storage.InfoRecord, error) {
	full := d.abs(path)
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("posixdrv: list %s: %w", path, err)
	}
	out := make([]storage.InfoRecord, 0, len(entries))
	for _, e := range entries {
		if expr != "" {
			matched, merr := filepath.Match(expr, e.Name())
			if merr != nil {
				return nil, fmt.Errorf("posixdrv: bad expression %q: %w", expr, merr)
			}
			if !matched {
				continue
			}
		}
		fi, ferr := e.Info()
		if ferr != nil {
			continue
		}
		rec := storage.InfoRecord{Name: e.Name(), Exists: true, IsDir: fi.IsDir(), Size: fi.Size()}
		if level >= storage.LevelBasic {
			rec.ModTime = fi.ModTime()
			rec.Mode = uint32(fi.Mode().Perm())
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *Driver) NewRead(_ context.Context, path string, opts storage.ReadOptions) (ioend.ReadEndpoint, error) {
	full := d.abs(path)
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && opts.IgnoreMissing {
			return nil, nil
		}
		return nil, fmt.Errorf("posixdrv: open %s: %w", path, err)
	}
	if opts.Offset > 0 {
		if _, err := f.Seek(opts.Offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("posixdrv: seek %s: %w", path, err)
		}
	}
	var r io.Reader = f
	if opts.Limit > 0 {
		r = io.LimitReader(f, opts.Limit)
	}
	return ioend.NewReadEndpoint(struct {
		io.Reader
		io.Closer
	}{r, f}), nil
}

// tmpWriteEndpoint stages writes into a `.tmp` sibling and renames it
// into place on Close, satisfying spec.md §4.5's atomic-write default.
type tmpWriteEndpoint struct {
	ioend.WriteEndpoint
	f        *os.File
	tmpPath  string
	finalPath string
	fsync    bool
	mode     os.FileMode
	mtime    time.Time
	hasMtime bool
	closed   bool
}

func (d *Driver) NewWrite(_ context.Context, path string, opts storage.WriteOptions) (ioend.WriteEndpoint, error) {
	full := d.abs(path)
	dir := filepath.Dir(full)
	if opts.CreatePath {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("posixdrv: mkdir %s: %w", dir, err)
		}
	}
	mode := os.FileMode(0o644)
	if opts.Mode != 0 {
		mode = os.FileMode(opts.Mode)
	}
	atomic := opts.Atomic
	targetPath := full
	if atomic {
		targetPath = full + ".tmp"
	}
	f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return nil, fmt.Errorf("posixdrv: create %s: %w", targetPath, err)
	}
	w := &tmpWriteEndpoint{
		WriteEndpoint: ioend.NewWriteEndpoint(f),
		f:             f,
		fsync:         d.Fsync,
		mode:          mode,
	}
	if atomic {
		w.tmpPath = targetPath
		w.finalPath = full
	}
	if !opts.ModificationTime.IsZero() {
		w.mtime = opts.ModificationTime
		w.hasMtime = true
	}
	return w, nil
}

func (w *tmpWriteEndpoint) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.WriteEndpoint.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	if w.fsync {
		if err := w.f.Sync(); err != nil {
			_ = w.f.Close()
			return fmt.Errorf("posixdrv: fsync: %w", err)
		}
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("posixdrv: close: %w", err)
	}
	if w.hasMtime {
		path := w.f.Name()
		_ = os.Chtimes(path, w.mtime, w.mtime)
	}
	if w.tmpPath != "" {
		if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
			return fmt.Errorf("posixdrv: rename %s -> %s: %w", w.tmpPath, w.finalPath, err)
		}
		if w.fsync {
			if dir, err := os.Open(filepath.Dir(w.finalPath)); err == nil {
				_ = dir.Sync()
				_ = dir.Close()
			}
		}
	}
	return nil
}

func (d *Driver) PathCreate(_ context.Context, path string, mode uint32, noErrorIfExists, recurse bool) error {
	full := d.abs(path)
	m := os.FileMode(0o755)
	if mode != 0 {
		m = os.FileMode(mode)
	}
	var err error
	if recurse {
		err = os.MkdirAll(full, m)
	} else {
		err = os.Mkdir(full, m)
	}
	if err != nil {
		if errors.Is(err, fs.ErrExist) && noErrorIfExists {
			return nil
		}
		return fmt.Errorf("posixdrv: path-create %s: %w", path, err)
	}
	return nil
}

func (d *Driver) PathRemove(_ context.Context, path string, recurse bool) error {
	full := d.abs(path)
	var err error
	if recurse {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("posixdrv: path-remove %s: %w", path, err)
	}
	return nil
}

func (d *Driver) Remove(_ context.Context, path string, errorOnMissing bool) error {
	full := d.abs(path)
	err := os.Remove(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !errorOnMissing {
			return nil
		}
		return fmt.Errorf("posixdrv: remove %s: %w", path, err)
	}
	return nil
}

// Move renames src to dst, falling back to copy+delete across devices
// (spec.md §4.5: "driver may implement as rename or copy+delete").
func (d *Driver) Move(_ context.Context, srcPath, dstPath string) error {
	src, dst := d.abs(srcPath), d.abs(dstPath)
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	return copyThenRemove(src, dst)
}

func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("posixdrv: move copy open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()
	fi, err := in.Stat()
	if err != nil {
		return fmt.Errorf("posixdrv: move copy stat %s: %w", src, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode())
	if err != nil {
		return fmt.Errorf("posixdrv: move copy create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("posixdrv: move copy %s -> %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("posixdrv: move copy close %s: %w", dst, err)
	}
	return os.Remove(src)
}

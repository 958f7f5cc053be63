// Package storage defines the uniform repository storage facade
// (spec.md §4.5) over POSIX, remote, S3, Azure Blob, and GCS backends.
// Every backend driver implements Driver and advertises a Features set;
// no caller in this tree branches on it or type-asserts to a concrete
// backend.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/vbp1/pgbackrest-go/internal/ioend"
)

// InfoLevel controls how much metadata Info/List fetches, trading
// round-trips against object stores for detail.
type InfoLevel int

const (
	LevelExists InfoLevel = iota
	LevelBasic
	LevelDetail
)

// InfoRecord describes one path. Exists is false for a NotExists result;
// callers should check it before trusting the other fields.
type InfoRecord struct {
	Name    string
	Exists  bool
	IsDir   bool
	IsLink  bool
	Size    int64
	ModTime time.Time
	Mode    uint32
	User    string
	Group   string
}

// Feature is a bit in a driver's advertised capability set.
type Feature uint32

const (
	FeaturePath Feature = 1 << iota
	FeatureCompress
	FeatureHardlink
	FeatureInfoDetail
	FeatureSymlink
	FeatureEncryptedAtRest
)

// Has reports whether all of want is present in fs.
func (fs Feature) Has(want Feature) bool { return fs&want == want }

// WriteOptions configures NewWrite. Every field's zero value is off:
// callers set Atomic explicitly for repository writes; object stores
// publish a whole object on close regardless of the flag.
type WriteOptions struct {
	Atomic           bool
	CreatePath       bool
	Mode             uint32
	User             string
	Group            string
	ModificationTime time.Time
}

// ReadOptions configures NewRead.
type ReadOptions struct {
	IgnoreMissing bool
	Offset        int64
	Limit         int64 // 0 means unbounded
}

// Driver is the backend contract every storage implementation satisfies.
type Driver interface {
	Features() Feature

	Info(ctx context.Context, path string, level InfoLevel) (InfoRecord, error)
	List(ctx context.Context, path string, expr string, level InfoLevel) ([]InfoRecord, error)

	NewRead(ctx context.Context, path string, opts ReadOptions) (ioend.ReadEndpoint, error)
	NewWrite(ctx context.Context, path string, opts WriteOptions) (ioend.WriteEndpoint, error)

	PathCreate(ctx context.Context, path string, mode uint32, noErrorIfExists, recurse bool) error
	PathRemove(ctx context.Context, path string, recurse bool) error
	Remove(ctx context.Context, path string, errorOnMissing bool) error

	// Move relocates a path; drivers implement this as a rename when the
	// source/destination share a backend, or copy+delete otherwise.
	Move(ctx context.Context, srcPath, dstPath string) error
}

// Storage wraps a Driver with convenience helpers shared across
// backends, mirroring spec.md §4.5's "driver is the backend, Storage is
// the facade" split.
type Storage struct {
	Driver Driver
}

// New returns a facade over d.
func New(d Driver) *Storage { return &Storage{Driver: d} }

func (s *Storage) Features() Feature { return s.Driver.Features() }

func (s *Storage) Info(ctx context.Context, path string, level InfoLevel) (InfoRecord, error) {
	return s.Driver.Info(ctx, path, level)
}

func (s *Storage) List(ctx context.Context, path, expr string, level InfoLevel) ([]InfoRecord, error) {
	return s.Driver.List(ctx, path, expr, level)
}

func (s *Storage) NewRead(ctx context.Context, path string, opts ReadOptions) (ioend.ReadEndpoint, error) {
	return s.Driver.NewRead(ctx, path, opts)
}

func (s *Storage) NewWrite(ctx context.Context, path string, opts WriteOptions) (ioend.WriteEndpoint, error) {
	return s.Driver.NewWrite(ctx, path, opts)
}

// PutAll is a convenience helper that writes all of r to path with the
// given opts, returning the byte count written.
func (s *Storage) PutAll(ctx context.Context, path string, r io.Reader, opts WriteOptions) (int64, error) {
	w, err := s.NewWrite(ctx, path, opts)
	if err != nil {
		return 0, err
	}
	if err := w.Open(); err != nil {
		return 0, err
	}
	buf := make([]byte, 256*1024)
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				_ = w.Close()
				return total, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = w.Close()
			return total, rerr
		}
	}
	if err := w.Flush(); err != nil {
		_ = w.Close()
		return total, err
	}
	return total, w.Close()
}

// GetAll reads the full content of path.
func (s *Storage) GetAll(ctx context.Context, path string) ([]byte, error) {
	r, err := s.NewRead(ctx, path, ReadOptions{})
	if err != nil {
		return nil, err
	}
	if err := r.Open(); err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	var out []byte
	buf := make([]byte, 256*1024)
	for {
		n, err := r.Read(buf, true)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			return nil, err
		}
		if r.EOF() {
			break
		}
	}
	return out, nil
}

func (s *Storage) PathCreate(ctx context.Context, path string, mode uint32, noErrorIfExists, recurse bool) error {
	return s.Driver.PathCreate(ctx, path, mode, noErrorIfExists, recurse)
}

func (s *Storage) PathRemove(ctx context.Context, path string, recurse bool) error {
	return s.Driver.PathRemove(ctx, path, recurse)
}

func (s *Storage) Remove(ctx context.Context, path string, errorOnMissing bool) error {
	return s.Driver.Remove(ctx, path, errorOnMissing)
}

func (s *Storage) Move(ctx context.Context, srcPath, dstPath string) error {
	return s.Driver.Move(ctx, srcPath, dstPath)
}

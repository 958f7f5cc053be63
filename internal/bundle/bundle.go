// Package bundle implements the small-file bundling format the
// repository layout names in spec.md §6 ("bundle/<bundle-id>"): many
// small PGDATA files are concatenated into one repository object so a
// backup of a database with thousands of tiny catalog files doesn't pay
// one repository object (and, for object-store backends, one HTTP PUT)
// per file. The accompanying index is built on the pack codec (spec.md
// §4.2) — this is the "some on-disk structures" use the pack codec's own
// doc comment calls out, distinct from archive.info/backup.info/manifest
// which all share the infofile.Document INI-like format instead.
package bundle

import (
	"fmt"

	"github.com/vbp1/pgbackrest-go/internal/pack"
)

// Entry locates one bundled file's bytes inside the bundle's raw data
// object.
type Entry struct {
	Path   string
	Offset int64
	Size   int64
}

// Builder accumulates small files into one concatenated payload plus a
// pack-encoded index, matching a manifest FileEntry's "reference to a
// bundle instead of a standalone repository object" shape.
type Builder struct {
	data    []byte
	entries []Entry
}

// New returns an empty Builder.
func New() *Builder { return &Builder{} }

// Add appends content to the bundle and records its location, returning
// the Entry the caller should thread into the backup manifest.
func (b *Builder) Add(path string, content []byte) Entry {
	e := Entry{Path: path, Offset: int64(len(b.data)), Size: int64(len(content))}
	b.data = append(b.data, content...)
	b.entries = append(b.entries, e)
	return e
}

// Len reports the current raw payload size.
func (b *Builder) Len() int64 { return int64(len(b.data)) }

// Data returns the concatenated raw bytes to write as the bundle's
// repository object.
func (b *Builder) Data() []byte { return b.data }

// Entries returns every file recorded so far.
func (b *Builder) Entries() []Entry { return b.entries }

// Index field ids within one [target:bundle]entry object (spec.md §4.2's
// numbered-field discipline: stable ids, gaps tolerated by readers).
const (
	idPath   = 1
	idOffset = 2
	idSize   = 3
)

// EncodeIndex packs every recorded entry as an array of objects, one
// array element per file, suitable for storing alongside the bundle's
// data object (e.g. "bundle/<bundle-id>.idx").
func (b *Builder) EncodeIndex() ([]byte, error) {
	w := pack.NewWriter()
	if err := w.BeginArray(1); err != nil {
		return nil, fmt.Errorf("bundle: begin index array: %w", err)
	}
	for _, e := range b.entries {
		if err := w.BeginObj(w.NextID()); err != nil {
			return nil, fmt.Errorf("bundle: begin entry %s: %w", e.Path, err)
		}
		if err := w.WriteStr(idPath, e.Path); err != nil {
			return nil, err
		}
		if err := w.WriteI64(idOffset, e.Offset); err != nil {
			return nil, err
		}
		if err := w.WriteI64(idSize, e.Size); err != nil {
			return nil, err
		}
		if err := w.End(); err != nil {
			return nil, fmt.Errorf("bundle: end entry %s: %w", e.Path, err)
		}
	}
	if err := w.End(); err != nil {
		return nil, fmt.Errorf("bundle: end index array: %w", err)
	}
	return w.Bytes(), nil
}

// DecodeIndex reverses EncodeIndex, reading every bundled file's
// location back out so restore can carve the concatenated payload apart.
func DecodeIndex(data []byte) ([]Entry, error) {
	r := pack.NewReader(data)
	present, err := r.BeginArray(1)
	if err != nil {
		return nil, fmt.Errorf("bundle: begin index array: %w", err)
	}
	if !present {
		return nil, nil
	}
	var out []Entry
	for {
		typ, id, isEnd, err := r.Peek()
		if err != nil {
			return nil, fmt.Errorf("bundle: peek entry: %w", err)
		}
		if isEnd {
			break
		}
		if typ != pack.TypeObj {
			return nil, fmt.Errorf("bundle: index entry %d has type %s, want obj", id, typ)
		}
		if _, err := r.BeginObj(id); err != nil {
			return nil, fmt.Errorf("bundle: begin entry %d: %w", id, err)
		}
		path, _, err := r.ReadStr(idPath)
		if err != nil {
			return nil, fmt.Errorf("bundle: read path: %w", err)
		}
		offset, _, err := r.ReadI64(idOffset)
		if err != nil {
			return nil, fmt.Errorf("bundle: read offset: %w", err)
		}
		size, _, err := r.ReadI64(idSize)
		if err != nil {
			return nil, fmt.Errorf("bundle: read size: %w", err)
		}
		if err := r.End(); err != nil {
			return nil, fmt.Errorf("bundle: end entry %d: %w", id, err)
		}
		out = append(out, Entry{Path: path, Offset: offset, Size: size})
	}
	if err := r.End(); err != nil {
		return nil, fmt.Errorf("bundle: end index array: %w", err)
	}
	return out, nil
}

// Extract returns the slice of raw that corresponds to e, bounds-checked
// against raw's length.
func Extract(raw []byte, e Entry) ([]byte, error) {
	if e.Offset < 0 || e.Size < 0 || e.Offset+e.Size > int64(len(raw)) {
		return nil, fmt.Errorf("bundle: entry %s [%d,%d) out of range for %d-byte payload", e.Path, e.Offset, e.Offset+e.Size, len(raw))
	}
	return raw[e.Offset : e.Offset+e.Size], nil
}

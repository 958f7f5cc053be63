// Package manifest implements the per-backup file inventory spec.md §3
// and §4.6 describe: every cluster file's checksum/size/mode/ownership,
// an optional ancestor reference ("reuse the copy from that backup"),
// an optional page-checksum error vector, plus the tablespace/symlink
// targets, database list, and option snapshot a restore needs. It builds
// on the same infofile.Document primitive as archive.info/backup.info —
// the format is identical (sorted sections, JSON values, SHA-1 seal,
// primary+copy) — so Manifest is a typed view, not a second codec.
package manifest

import (
	"context"
	"fmt"

	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// FileEntry is one [target:file] row.
type FileEntry struct {
	Path      string `json:"-"`
	Checksum  string `json:"checksum"`
	Size      int64  `json:"size"`
	Mode      uint32 `json:"mode"`
	User      string `json:"user"`
	Group     string `json:"group"`
	ModTime   int64  `json:"timestamp"`
	Reference string `json:"reference,omitempty"`
	// PageErrors lists 0-based block numbers whose page checksum failed
	// verification during backup (spec.md's page-checksum filter).
	PageErrors []int64 `json:"checksum-page-error,omitempty"`
	// Bundle, when non-empty, names the "bundle/<bundle-id>" repository
	// object this file's bytes were concatenated into instead of being
	// stored as a standalone object (spec.md §6's bundling layout); Size
	// above is the file's own length within the bundle, and BundleOffset
	// is where it starts.
	Bundle       string `json:"bundle,omitempty"`
	BundleOffset int64  `json:"bundle-offset,omitempty"`
}

// LinkEntry is one [target:link] row: a symlink inside PGDATA (e.g. a
// tablespace link) the restore must recreate.
type LinkEntry struct {
	Path        string `json:"-"`
	Destination string `json:"destination"`
}

// PathEntry is one [target:path] row: a directory the restore must
// recreate even if it ends up containing no files (e.g. an empty
// tablespace subdirectory).
type PathEntry struct {
	Path  string `json:"-"`
	Mode  uint32 `json:"mode"`
	User  string `json:"user"`
	Group string `json:"group"`
}

// DBEntry describes one database found in pg_database, recorded so
// restore/selective-restore can map db name to oid.
type DBEntry struct {
	Name string `json:"name"`
	OID  uint32 `json:"db-oid"`
	ID   int    `json:"db-id"`
}

// Manifest is the typed view over a backup.manifest document.
type Manifest struct {
	doc *infofile.Document
}

// New returns an empty Manifest.
func New() *Manifest {
	return &Manifest{doc: infofile.NewDocument()}
}

// Load loads and verifies the primary+copy pair at the given paths.
func Load(ctx context.Context, store *storage.Storage, primaryPath, copyPath string) (*Manifest, error) {
	doc, err := infofile.LoadPair(ctx, store, primaryPath, copyPath)
	if err != nil {
		return nil, err
	}
	return &Manifest{doc: doc}, nil
}

// Save persists the manifest as primary+copy, per spec.md §4.6's "written
// in both plain and checksum-copy form atomically".
func (m *Manifest) Save(ctx context.Context, store *storage.Storage, primaryPath, copyPath string) error {
	return infofile.SavePair(ctx, store, primaryPath, copyPath, m.doc)
}

// SetBackupLabel records the label this manifest belongs to, for
// cross-checking against the backup.info entry that references it.
func (m *Manifest) SetBackupLabel(label string) error {
	return m.doc.Set("backup", "label", label)
}

func (m *Manifest) BackupLabel() (string, error) {
	var label string
	if _, err := m.doc.Get("backup", "label", &label); err != nil {
		return "", err
	}
	return label, nil
}

// BackupAttrs mirrors the subset of backup.info's [backup:current] row
// attributes the manifest itself also carries, so LoadFileReconstruct
// can rebuild a full backup.info purely from the backup directories when
// the registry is completely lost, not just stale.
type BackupAttrs struct {
	Type       string   `json:"backup-type"`
	PriorLabel string   `json:"backup-prior,omitempty"`
	Reference  []string `json:"backup-reference,omitempty"`
	Start      int64    `json:"timestamp-start"`
	Stop       int64    `json:"timestamp-stop"`
	DBID       int      `json:"db-id"`
	PgDataSize int64    `json:"backup-info-size"`
	RepoSize   int64    `json:"backup-info-repo-size"`
	// ArchiveStart/ArchiveStop mirror infofile.BackupEntry's fields of
	// the same name: the WAL segments pg_backup_start/pg_backup_stop
	// reported, carried here too so LoadFileReconstruct can rebuild them
	// into backup.info purely from manifests.
	ArchiveStart string `json:"backup-archive-start,omitempty"`
	ArchiveStop  string `json:"backup-archive-stop,omitempty"`
}

// SetBackupAttrs records this backup's registry-mirrored attributes.
func (m *Manifest) SetBackupAttrs(a BackupAttrs) error {
	return m.doc.Set("backup", "attributes", a)
}

// BackupAttrs returns this backup's registry-mirrored attributes.
func (m *Manifest) BackupAttrs() (BackupAttrs, bool, error) {
	var a BackupAttrs
	ok, err := m.doc.Get("backup", "attributes", &a)
	return a, ok, err
}

// AddFile records or replaces one file's inventory entry.
func (m *Manifest) AddFile(e FileEntry) error {
	return m.doc.Set("target:file", e.Path, e)
}

// RemoveFile drops a file's inventory entry.
func (m *Manifest) RemoveFile(path string) {
	m.doc.Delete("target:file", path)
}

// Files returns every recorded file entry, sorted by path.
func (m *Manifest) Files() ([]FileEntry, error) {
	var out []FileEntry
	for _, path := range m.doc.SectionKeys("target:file") {
		var e FileEntry
		if _, err := m.doc.Get("target:file", path, &e); err != nil {
			return nil, err
		}
		e.Path = path
		out = append(out, e)
	}
	return out, nil
}

// File looks up one file's entry.
func (m *Manifest) File(path string) (FileEntry, bool, error) {
	var e FileEntry
	ok, err := m.doc.Get("target:file", path, &e)
	if ok {
		e.Path = path
	}
	return e, ok, err
}

func (m *Manifest) AddLink(e LinkEntry) error { return m.doc.Set("target:link", e.Path, e) }

func (m *Manifest) Links() ([]LinkEntry, error) {
	var out []LinkEntry
	for _, path := range m.doc.SectionKeys("target:link") {
		var e LinkEntry
		if _, err := m.doc.Get("target:link", path, &e); err != nil {
			return nil, err
		}
		e.Path = path
		out = append(out, e)
	}
	return out, nil
}

func (m *Manifest) AddPath(e PathEntry) error { return m.doc.Set("target:path", e.Path, e) }

func (m *Manifest) Paths() ([]PathEntry, error) {
	var out []PathEntry
	for _, path := range m.doc.SectionKeys("target:path") {
		var e PathEntry
		if _, err := m.doc.Get("target:path", path, &e); err != nil {
			return nil, err
		}
		e.Path = path
		out = append(out, e)
	}
	return out, nil
}

func (m *Manifest) AddDatabase(e DBEntry) error {
	return m.doc.Set("target:db", e.Name, e)
}

func (m *Manifest) Databases() ([]DBEntry, error) {
	var out []DBEntry
	for _, name := range m.doc.SectionKeys("target:db") {
		var e DBEntry
		if _, err := m.doc.Get("target:db", name, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// SetOption records one option snapshot entry (spec.md §3's "option
// snapshot" — the subset of backup-time config that governs restore
// defaults, e.g. compress-type, checksum-page).
func (m *Manifest) SetOption(name string, value any) error {
	return m.doc.Set("backup:option", name, value)
}

func (m *Manifest) Option(name string, target any) (bool, error) {
	return m.doc.Get("backup:option", name, target)
}

// ValidateReferences checks spec.md §8's "manifest references" property:
// every file's Reference, if set, must name a label present in
// backupLabels and — when ancestorManifests supplies that label's
// manifest — must contain that file with a matching checksum and size.
func (m *Manifest) ValidateReferences(backupLabels map[string]bool, ancestorManifests map[string]*Manifest) error {
	files, err := m.Files()
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Reference == "" {
			continue
		}
		if !backupLabels[f.Reference] {
			return fmt.Errorf("manifest: file %s references unknown backup label %s", f.Path, f.Reference)
		}
		anc, ok := ancestorManifests[f.Reference]
		if !ok {
			continue // ancestor manifest not loaded; label presence already checked
		}
		ancFile, ok, err := anc.File(f.Path)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("manifest: ancestor %s has no entry for %s", f.Reference, f.Path)
		}
		if ancFile.Checksum != f.Checksum || ancFile.Size != f.Size {
			return fmt.Errorf("manifest: ancestor %s entry for %s has checksum/size %s/%d, want %s/%d",
				f.Reference, f.Path, ancFile.Checksum, ancFile.Size, f.Checksum, f.Size)
		}
	}
	return nil
}

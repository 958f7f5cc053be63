package infofile

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// BackupType is a backup's position in its ancestor chain.
type BackupType string

const (
	BackupTypeFull BackupType = "full"
	BackupTypeDiff BackupType = "diff"
	BackupTypeIncr BackupType = "incr"
)

// TimestampRange is a backup's start/stop wall-clock bound, stored as
// Unix seconds.
type TimestampRange struct {
	Start int64 `json:"start"`
	Stop  int64 `json:"stop"`
}

// BackupEntry is one [backup:current] row: the attributes spec.md §4.6
// requires to judge a backup valid and restorable without reading its
// manifest.
type BackupEntry struct {
	Label      string         `json:"label"`
	Type       BackupType     `json:"backup-type"`
	PriorLabel string         `json:"backup-prior,omitempty"`
	Reference  []string       `json:"backup-reference,omitempty"`
	Timestamp  TimestampRange `json:"backup-timestamp"`
	DBID       int            `json:"db-id"`
	PgDataSize int64          `json:"backup-info-size"`
	RepoSize   int64          `json:"backup-info-repo-size"`
	// ArchiveStart/ArchiveStop are the first and last WAL segment names
	// pg_backup_start/pg_backup_stop reported, letting expire prune
	// archived WAL that no surviving backup can reference.
	ArchiveStart string `json:"backup-archive-start,omitempty"`
	ArchiveStop  string `json:"backup-archive-stop,omitempty"`
}

// BackupInfo is the typed view over backup.info's [db]/[db:history]/
// [backup:current]/[cipher] sections (spec.md §4.6).
type BackupInfo struct {
	doc *Document
}

// NewBackupInfo returns an empty BackupInfo.
func NewBackupInfo() *BackupInfo { return &BackupInfo{doc: NewDocument()} }

// LoadBackupInfo loads and verifies the primary+copy pair at the given
// paths.
func LoadBackupInfo(ctx context.Context, store *storage.Storage, primaryPath, copyPath string) (*BackupInfo, error) {
	doc, err := LoadPair(ctx, store, primaryPath, copyPath)
	if err != nil {
		return nil, err
	}
	return &BackupInfo{doc: doc}, nil
}

// Save persists the current state as primary+copy.
func (b *BackupInfo) Save(ctx context.Context, store *storage.Storage, primaryPath, copyPath string) error {
	return SavePair(ctx, store, primaryPath, copyPath, b.doc)
}

// Document exposes the underlying Document for LoadFileReconstruct,
// which rewrites [backup:current] wholesale from the actual backup
// directory tree.
func (b *BackupInfo) Document() *Document { return b.doc }

func (b *BackupInfo) SetCurrentDB(dbID int, version string, systemID uint64) error {
	if err := b.doc.Set("db", "db-id", dbID); err != nil {
		return err
	}
	if err := b.doc.Set("db", "db-version", version); err != nil {
		return err
	}
	return b.doc.Set("db", "db-system-id", systemID)
}

func (b *BackupInfo) CurrentDB() (dbID int, version string, systemID uint64, err error) {
	if _, err = b.doc.Get("db", "db-id", &dbID); err != nil {
		return
	}
	if _, err = b.doc.Get("db", "db-version", &version); err != nil {
		return
	}
	_, err = b.doc.Get("db", "db-system-id", &systemID)
	return
}

func (b *BackupInfo) AddHistory(dbID int, version string, systemID uint64) error {
	return b.doc.Set("db:history", strconv.Itoa(dbID), DBHistoryEntry{Version: version, SystemID: systemID})
}

func (b *BackupInfo) History() (map[int]DBHistoryEntry, error) {
	out := make(map[int]DBHistoryEntry)
	for _, key := range b.doc.SectionKeys("db:history") {
		dbID, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("infofile: non-numeric db:history key %q: %w", key, err)
		}
		var entry DBHistoryEntry
		if _, err := b.doc.Get("db:history", key, &entry); err != nil {
			return nil, err
		}
		out[dbID] = entry
	}
	return out, nil
}

// AddBackup records or replaces one [backup:current] row.
func (b *BackupInfo) AddBackup(entry BackupEntry) error {
	return b.doc.Set("backup:current", entry.Label, entry)
}

// RemoveBackup drops a [backup:current] row, e.g. after expire.
func (b *BackupInfo) RemoveBackup(label string) {
	b.doc.Delete("backup:current", label)
}

// Backups returns every recorded backup, sorted by label (which sorts
// chronologically: labels are "<full-label>[_<diff-or-incr-suffix>]"
// with a leading timestamp).
func (b *BackupInfo) Backups() ([]BackupEntry, error) {
	var out []BackupEntry
	for _, label := range b.doc.SectionKeys("backup:current") {
		var entry BackupEntry
		if _, err := b.doc.Get("backup:current", label, &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// SetCipher records the repository passphrase wrapper in [cipher],
// present only when the stanza was created with encryption enabled.
func (b *BackupInfo) SetCipher(cipherPass string) error {
	return b.doc.Set("cipher", "cipher-pass", cipherPass)
}

// Cipher returns the stanza's cipher passphrase, if any.
func (b *BackupInfo) Cipher() (string, bool, error) {
	var pass string
	ok, err := b.doc.Get("cipher", "cipher-pass", &pass)
	return pass, ok, err
}

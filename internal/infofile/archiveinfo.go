package infofile

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// DBHistoryEntry records one cluster incarnation's version/systemId, as
// carried in [db:history] of both archive.info and backup.info.
type DBHistoryEntry struct {
	Version  string `json:"db-version"`
	SystemID uint64 `json:"db-system-id"`
}

// ArchiveInfo is the typed view over archive.info's [db]/[db:history]
// sections (spec.md §4.6).
type ArchiveInfo struct {
	doc *Document
}

// NewArchiveInfo returns an empty ArchiveInfo.
func NewArchiveInfo() *ArchiveInfo { return &ArchiveInfo{doc: NewDocument()} }

// LoadArchiveInfo loads and verifies the primary+copy pair at the given
// paths.
func LoadArchiveInfo(ctx context.Context, store *storage.Storage, primaryPath, copyPath string) (*ArchiveInfo, error) {
	doc, err := LoadPair(ctx, store, primaryPath, copyPath)
	if err != nil {
		return nil, err
	}
	return &ArchiveInfo{doc: doc}, nil
}

// Save persists the current state as primary+copy.
func (a *ArchiveInfo) Save(ctx context.Context, store *storage.Storage, primaryPath, copyPath string) error {
	return SavePair(ctx, store, primaryPath, copyPath, a.doc)
}

// SetCurrentDB records the cluster's current incarnation in [db].
func (a *ArchiveInfo) SetCurrentDB(dbID int, version string, systemID uint64) error {
	if err := a.doc.Set("db", "db-id", dbID); err != nil {
		return err
	}
	if err := a.doc.Set("db", "db-version", version); err != nil {
		return err
	}
	return a.doc.Set("db", "db-system-id", systemID)
}

// CurrentDB returns the cluster's current incarnation.
func (a *ArchiveInfo) CurrentDB() (dbID int, version string, systemID uint64, err error) {
	if _, err = a.doc.Get("db", "db-id", &dbID); err != nil {
		return
	}
	if _, err = a.doc.Get("db", "db-version", &version); err != nil {
		return
	}
	_, err = a.doc.Get("db", "db-system-id", &systemID)
	return
}

// AddHistory records one past incarnation keyed by dbID, as seen in
// [db:history] entries keyed by dbId per spec.md §4.6.
func (a *ArchiveInfo) AddHistory(dbID int, version string, systemID uint64) error {
	return a.doc.Set("db:history", strconv.Itoa(dbID), DBHistoryEntry{Version: version, SystemID: systemID})
}

// History returns every recorded incarnation keyed by dbID.
func (a *ArchiveInfo) History() (map[int]DBHistoryEntry, error) {
	out := make(map[int]DBHistoryEntry)
	for _, key := range a.doc.SectionKeys("db:history") {
		dbID, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("infofile: non-numeric db:history key %q: %w", key, err)
		}
		var entry DBHistoryEntry
		if _, err := a.doc.Get("db:history", key, &entry); err != nil {
			return nil, err
		}
		out[dbID] = entry
	}
	return out, nil
}

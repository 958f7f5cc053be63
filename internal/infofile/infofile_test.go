package infofile

import (
	"bytes"
	"context"
	"testing"

	"github.com/vbp1/pgbackrest-go/internal/storage"
	"github.com/vbp1/pgbackrest-go/internal/storage/posixdrv"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	drv := posixdrv.New(t.TempDir(), false)
	return storage.New(drv)
}

func TestDocumentMarshalParseRoundTrip(t *testing.T) {
	doc := NewDocument()
	if err := doc.Set("db", "db-id", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := doc.Set("db", "db-version", "9.4"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := doc.Set("db:history", "1", DBHistoryEntry{Version: "9.4", SystemID: 6569239123849665679}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	b, err := doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	parsed, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var version string
	if ok, err := parsed.Get("db", "db-version", &version); err != nil || !ok {
		t.Fatalf("Get db-version: ok=%v err=%v", ok, err)
	}
	if version != "9.4" {
		t.Fatalf("db-version = %q, want 9.4", version)
	}

	var hist DBHistoryEntry
	if ok, err := parsed.Get("db:history", "1", &hist); err != nil || !ok {
		t.Fatalf("Get db:history: ok=%v err=%v", ok, err)
	}
	if hist.SystemID != 6569239123849665679 {
		t.Fatalf("SystemID = %d, want 6569239123849665679", hist.SystemID)
	}
}

func TestParseRejectsCorruptedChecksum(t *testing.T) {
	doc := NewDocument()
	_ = doc.Set("db", "db-id", 1)
	b, err := doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	corrupt := append([]byte(nil), b...)
	corrupt[0] ^= 0xFF
	if _, err := Parse(corrupt); err == nil {
		t.Fatalf("Parse should reject a corrupted file")
	}
}

func TestLoadPairFallsBackToCopy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ai := NewArchiveInfo()
	if err := ai.SetCurrentDB(1, "9.4", 6569239123849665679); err != nil {
		t.Fatalf("SetCurrentDB: %v", err)
	}
	if err := ai.AddHistory(1, "9.4", 6569239123849665679); err != nil {
		t.Fatalf("AddHistory: %v", err)
	}
	if err := ai.Save(ctx, store, "archive.info", "archive.info.copy"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// corrupt the primary in place
	raw, err := store.GetAll(ctx, "archive.info")
	if err != nil {
		t.Fatalf("GetAll primary: %v", err)
	}
	corrupt := append([]byte(nil), raw...)
	corrupt[0] ^= 0xFF
	if _, err := store.PutAll(ctx, "archive.info", bytes.NewReader(corrupt), storage.WriteOptions{Atomic: true}); err != nil {
		t.Fatalf("PutAll corrupt primary: %v", err)
	}

	loaded, err := LoadArchiveInfo(ctx, store, "archive.info", "archive.info.copy")
	if err != nil {
		t.Fatalf("LoadArchiveInfo should fall back to the copy: %v", err)
	}
	dbID, version, systemID, err := loaded.CurrentDB()
	if err != nil {
		t.Fatalf("CurrentDB: %v", err)
	}
	if dbID != 1 || version != "9.4" || systemID != 6569239123849665679 {
		t.Fatalf("CurrentDB = (%d, %q, %d), want (1, 9.4, 6569239123849665679)", dbID, version, systemID)
	}
}

func TestBackupInfoAddAndRemove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	bi := NewBackupInfo()
	if err := bi.SetCurrentDB(1, "9.4", 42); err != nil {
		t.Fatalf("SetCurrentDB: %v", err)
	}
	entry := BackupEntry{
		Label:      "20260101-000000F",
		Type:       BackupTypeFull,
		Timestamp:  TimestampRange{Start: 1, Stop: 2},
		DBID:       1,
		PgDataSize: 1024,
		RepoSize:   512,
	}
	if err := bi.AddBackup(entry); err != nil {
		t.Fatalf("AddBackup: %v", err)
	}
	if err := bi.Save(ctx, store, "backup.info", "backup.info.copy"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadBackupInfo(ctx, store, "backup.info", "backup.info.copy")
	if err != nil {
		t.Fatalf("LoadBackupInfo: %v", err)
	}
	backups, err := loaded.Backups()
	if err != nil {
		t.Fatalf("Backups: %v", err)
	}
	if len(backups) != 1 || backups[0].Label != entry.Label {
		t.Fatalf("Backups = %+v, want one entry labeled %s", backups, entry.Label)
	}

	loaded.RemoveBackup(entry.Label)
	after, err := loaded.Backups()
	if err != nil {
		t.Fatalf("Backups after remove: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("Backups after remove = %+v, want none", after)
	}
}

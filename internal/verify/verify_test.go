package verify

import (
	"bytes"
	"context"
	"testing"

	"github.com/vbp1/pgbackrest-go/internal/bundle"
	"github.com/vbp1/pgbackrest-go/internal/config"
	"github.com/vbp1/pgbackrest-go/internal/filter"
	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/manifest"
	"github.com/vbp1/pgbackrest-go/internal/storage"
	"github.com/vbp1/pgbackrest-go/internal/storage/posixdrv"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	return storage.New(posixdrv.New(t.TempDir(), false))
}

func sha256Of(t *testing.T, content []byte) string {
	t.Helper()
	g := filter.NewGroup(filter.NewSHA256())
	if _, err := g.Step(content); err != nil {
		t.Fatalf("hash step: %v", err)
	}
	if _, err := g.Flush(); err != nil {
		t.Fatalf("hash flush: %v", err)
	}
	sum, _ := g.Results()["sha256"].(string)
	return sum
}

// buildFixture lays down a one-backup stanza with one standalone file and
// one bundled file, mirroring internal/restore's fixture so both packages
// exercise the same repository layout.
func buildFixture(t *testing.T) (*config.Config, *storage.Storage, string) {
	t.Helper()
	ctx := context.Background()
	store := newTestStore(t)
	stanza := "main"
	label := "20260101-000000F"

	standaloneContent := []byte("standalone file content\n")
	bundledContent := []byte("tiny\n")

	backupDir := "backup/" + stanza + "/" + label
	if err := store.PathCreate(ctx, backupDir+"/pg_data/base/1", 0o750, true, true); err != nil {
		t.Fatalf("PathCreate: %v", err)
	}
	if _, err := store.PutAll(ctx, backupDir+"/pg_data/base/1/1", bytes.NewReader(standaloneContent), storage.WriteOptions{Atomic: true}); err != nil {
		t.Fatalf("PutAll standalone: %v", err)
	}

	b := bundle.New()
	bEntry := b.Add("PG_VERSION", bundledContent)
	if _, err := store.PutAll(ctx, backupDir+"/bundle/1", bytes.NewReader(b.Data()), storage.WriteOptions{Atomic: true, CreatePath: true}); err != nil {
		t.Fatalf("PutAll bundle: %v", err)
	}

	man := manifest.New()
	if err := man.SetBackupLabel(label); err != nil {
		t.Fatalf("SetBackupLabel: %v", err)
	}
	if err := man.SetBackupAttrs(manifest.BackupAttrs{Type: "full", Start: 1, Stop: 2, DBID: 1}); err != nil {
		t.Fatalf("SetBackupAttrs: %v", err)
	}
	if err := man.AddFile(manifest.FileEntry{Path: "base/1/1", Checksum: sha256Of(t, standaloneContent), Size: int64(len(standaloneContent)), Mode: 0o600}); err != nil {
		t.Fatalf("AddFile standalone: %v", err)
	}
	if err := man.AddFile(manifest.FileEntry{
		Path: "PG_VERSION", Checksum: sha256Of(t, bundledContent), Size: int64(len(bundledContent)), Mode: 0o600,
		Bundle: "bundle/1", BundleOffset: bEntry.Offset,
	}); err != nil {
		t.Fatalf("AddFile bundled: %v", err)
	}
	if err := man.Save(ctx, store, backupDir+"/backup.manifest", backupDir+"/backup.manifest.copy"); err != nil {
		t.Fatalf("Save manifest: %v", err)
	}

	backupInfo := infofile.NewBackupInfo()
	if err := backupInfo.SetCurrentDB(1, "16.0", 12345); err != nil {
		t.Fatalf("SetCurrentDB: %v", err)
	}
	if err := backupInfo.AddBackup(infofile.BackupEntry{Label: label, Type: infofile.BackupTypeFull, DBID: 1}); err != nil {
		t.Fatalf("AddBackup: %v", err)
	}
	if err := backupInfo.Save(ctx, store, "backup/"+stanza+"/backup.info", "backup/"+stanza+"/backup.info.copy"); err != nil {
		t.Fatalf("Save backup.info: %v", err)
	}

	cfg := &config.Config{Stanza: stanza}
	return cfg, store, label
}

func TestVerifyCleanBackupReportsNoIssues(t *testing.T) {
	cfg, store, label := buildFixture(t)

	results, err := Run(context.Background(), cfg, store, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || results[0].Label != label {
		t.Fatalf("results = %+v", results)
	}
	if len(results[0].Issues) != 0 {
		t.Fatalf("expected no issues, got %+v", results[0].Issues)
	}
	if results[0].FilesOK != 2 {
		t.Fatalf("FilesOK = %d, want 2", results[0].FilesOK)
	}
}

func TestVerifyDetectsChecksumMismatch(t *testing.T) {
	cfg, store, label := buildFixture(t)
	ctx := context.Background()

	backupDir := "backup/" + cfg.Stanza + "/" + label
	if _, err := store.PutAll(ctx, backupDir+"/pg_data/base/1/1", bytes.NewReader([]byte("corrupted\n")), storage.WriteOptions{Atomic: true}); err != nil {
		t.Fatalf("corrupt fixture: %v", err)
	}

	results, err := Run(ctx, cfg, store, Options{Label: label})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results[0].Issues) != 1 || results[0].Issues[0].Path != "base/1/1" {
		t.Fatalf("issues = %+v, want one mismatch on base/1/1", results[0].Issues)
	}
	if results[0].FilesOK != 1 {
		t.Fatalf("FilesOK = %d, want 1 (the untouched bundled file)", results[0].FilesOK)
	}
}

func TestVerifyUnknownLabelErrors(t *testing.T) {
	cfg, store, _ := buildFixture(t)
	if _, err := Run(context.Background(), cfg, store, Options{Label: "does-not-exist"}); err == nil {
		t.Fatalf("expected error for unknown backup label")
	}
}

func TestVerifyReportsRecordedPageErrors(t *testing.T) {
	cfg, store, label := buildFixture(t)
	ctx := context.Background()

	backupDir := "backup/" + cfg.Stanza + "/" + label
	man, err := manifest.Load(ctx, store, backupDir+"/backup.manifest", backupDir+"/backup.manifest.copy")
	if err != nil {
		t.Fatalf("Load manifest: %v", err)
	}
	files, err := man.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	for _, f := range files {
		if f.Path != "base/1/1" {
			continue
		}
		f.PageErrors = []int64{3}
		if err := man.AddFile(f); err != nil {
			t.Fatalf("AddFile: %v", err)
		}
	}
	if err := man.Save(ctx, store, backupDir+"/backup.manifest", backupDir+"/backup.manifest.copy"); err != nil {
		t.Fatalf("Save manifest: %v", err)
	}

	results, err := Run(ctx, cfg, store, Options{Label: label})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results[0].Issues) != 1 || results[0].Issues[0].Path != "base/1/1" {
		t.Fatalf("issues = %+v, want the page-error file flagged", results[0].Issues)
	}
}

package infocmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/storage"
	"github.com/vbp1/pgbackrest-go/internal/storage/posixdrv"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	return storage.New(posixdrv.New(t.TempDir(), false))
}

func seedStanza(t *testing.T, store *storage.Storage, stanza string) {
	t.Helper()
	ctx := context.Background()
	info := infofile.NewBackupInfo()
	if err := info.SetCurrentDB(1, "16.0", 777); err != nil {
		t.Fatalf("SetCurrentDB: %v", err)
	}
	if err := info.AddBackup(infofile.BackupEntry{
		Label: "20260101-000000F", Type: infofile.BackupTypeFull,
		Timestamp: infofile.TimestampRange{Start: 1, Stop: 2}, PgDataSize: 100, RepoSize: 40,
	}); err != nil {
		t.Fatalf("AddBackup: %v", err)
	}
	if err := info.Save(ctx, store, "backup/"+stanza+"/backup.info", "backup/"+stanza+"/backup.info.copy"); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestRunDiscoversAllStanzas(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedStanza(t, store, "main")
	seedStanza(t, store, "standby")

	reports, err := Run(ctx, store, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reports) != 2 || reports[0].Name != "main" || reports[1].Name != "standby" {
		t.Fatalf("reports = %+v, want main then standby", reports)
	}
	if reports[0].Status != "ok" || len(reports[0].Backups) != 1 {
		t.Fatalf("main report = %+v", reports[0])
	}
}

func TestRunMissingStanzaReportsError(t *testing.T) {
	store := newTestStore(t)
	reports, err := Run(context.Background(), store, Options{Stanza: "ghost"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reports) != 1 || !strings.HasPrefix(reports[0].Status, "error:") {
		t.Fatalf("reports = %+v, want a single error report", reports)
	}
}

func TestRunSetFiltersToOneBackup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedStanza(t, store, "main")

	reports, err := Run(ctx, store, Options{Stanza: "main", Set: "20260101-000000F"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reports[0].Backups) != 1 {
		t.Fatalf("expected exactly the requested backup, got %+v", reports[0].Backups)
	}

	reports, err = Run(ctx, store, Options{Stanza: "main", Set: "does-not-exist"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(reports[0].Status, "error:") {
		t.Fatalf("expected error status for unknown set, got %+v", reports[0])
	}
}

func TestWriteJSONRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedStanza(t, store, "main")
	reports, err := Run(ctx, store, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteJSON(&buf, reports); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var decoded []StanzaReport
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Name != "main" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestWriteTextIncludesStanzaAndBackup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedStanza(t, store, "main")
	reports, err := Run(ctx, store, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteText(&buf, reports); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "stanza: main") || !strings.Contains(out, "20260101-000000F") {
		t.Fatalf("text output missing expected content: %s", out)
	}
}

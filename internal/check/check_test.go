package check

import (
	"context"
	"testing"

	"github.com/vbp1/pgbackrest-go/internal/archivecmd"
	"github.com/vbp1/pgbackrest-go/internal/config"
	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/storage"
	"github.com/vbp1/pgbackrest-go/internal/storage/posixdrv"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	return storage.New(posixdrv.New(t.TempDir(), false))
}

func seedStanza(t *testing.T, ctx context.Context, store *storage.Storage, stanza string) {
	t.Helper()
	archive := infofile.NewArchiveInfo()
	if err := archive.SetCurrentDB(1, "16.0", 99); err != nil {
		t.Fatalf("SetCurrentDB: %v", err)
	}
	path := "archive/" + stanza + "/archive.info"
	if err := archive.Save(ctx, store, path, path+".copy"); err != nil {
		t.Fatalf("Save archive.info: %v", err)
	}
}

func TestRunAllChecksPassForHealthyStanza(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	stanza := "main"
	seedStanza(t, ctx, store, stanza)

	cfg := &config.Config{Stanza: stanza, LockPath: t.TempDir()}
	result, err := Run(ctx, cfg, store)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.OK() {
		t.Fatalf("expected every check to pass, got %+v", result.Items)
	}
	if len(result.Items) != 3 {
		t.Fatalf("expected 3 checks, got %d: %+v", len(result.Items), result.Items)
	}
}

func TestRunReportsMissingStanza(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := &config.Config{Stanza: "ghost", LockPath: t.TempDir()}

	result, err := Run(ctx, cfg, store)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.OK() {
		t.Fatalf("expected repository/archiving checks to fail for an unconfigured stanza")
	}
	var sawRepoFailure bool
	for _, item := range result.Items {
		if item.Name == "repository reachable" && !item.OK {
			sawRepoFailure = true
		}
	}
	if !sawRepoFailure {
		t.Fatalf("expected repository reachable check to fail, got %+v", result.Items)
	}
}

func TestRunLeavesNoScratchSegment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	stanza := "main"
	seedStanza(t, ctx, store, stanza)
	cfg := &config.Config{Stanza: stanza, LockPath: t.TempDir()}

	if _, err := Run(ctx, cfg, store); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dir, err := archivecmd.SegmentDir(stanza, "16.0", 1, checkWALSegment)
	if err != nil {
		t.Fatalf("segment dir: %v", err)
	}
	info, err := store.Info(ctx, dir, storage.LevelExists)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Exists {
		entries, err := store.List(ctx, dir, "", storage.LevelExists)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("expected the check sentinel segment to be cleaned up, found %+v", entries)
		}
	}
}

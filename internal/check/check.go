// Package check implements the `check` command (SPEC_FULL.md's
// Commands module: "check (§6) validates configuration reachability
// (stanza lock free, repository reachable, WAL archiving functioning)
// without reading backup content" — the cheap counterpart to
// internal/verify's full content re-hash).
package check

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vbp1/pgbackrest-go/internal/archivecmd"
	"github.com/vbp1/pgbackrest-go/internal/config"
	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/lock"
	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// Item is one individual check's outcome.
type Item struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Result is the full set of checks run for one stanza.
type Result struct {
	Stanza string `json:"stanza"`
	Items  []Item `json:"check"`
}

// OK reports whether every check passed.
func (r Result) OK() bool {
	for _, i := range r.Items {
		if !i.OK {
			return false
		}
	}
	return true
}

// checkWALSegment is a reserved, never-real segment name used for the
// archive-push/archive-get round trip: its dbId-local counter portion
// is all-F so it can never collide with a WAL segment PostgreSQL
// actually emits.
const checkWALSegment = "FFFFFFFFFFFFFFFFFFFFFFFF"

// Run executes every check for cfg.Stanza and returns their outcomes;
// its error is always nil. A check that fails, or that cannot even be
// attempted (e.g. no scratch temp file can be created), is reported as
// an Item with OK false, since `check` reports rather than aborts.
func Run(ctx context.Context, cfg *config.Config, store *storage.Storage) (Result, error) {
	result := Result{Stanza: cfg.Stanza}

	result.Items = append(result.Items, checkLock(cfg))
	result.Items = append(result.Items, checkRepository(ctx, cfg, store))
	result.Items = append(result.Items, checkArchiving(ctx, cfg, store))

	return result, nil
}

// checkLock confirms the stanza's backup lock is currently free —
// backup, restore, and expire all serialize on it, so a stuck holder
// would block every one of them.
func checkLock(cfg *config.Config) Item {
	fl := lock.New(cfg.LockPath, cfg.Stanza, lock.KindBackup)
	ok, err := fl.TryLock()
	if err != nil {
		return Item{Name: "stanza lock", OK: false, Detail: err.Error()}
	}
	if !ok {
		return Item{Name: "stanza lock", OK: false, Detail: fmt.Sprintf("held by pid %d", fl.HolderPID())}
	}
	_ = fl.Unlock()
	return Item{Name: "stanza lock", OK: true}
}

// checkRepository confirms archive.info is reachable and loadable,
// which in turn proves the repository driver (posix/S3/Azure/SSH) is
// configured correctly and the stanza has been created.
func checkRepository(ctx context.Context, cfg *config.Config, store *storage.Storage) Item {
	archiveInfoPath := fmt.Sprintf("archive/%s/archive.info", cfg.Stanza)
	archive, err := infofile.LoadArchiveInfo(ctx, store, archiveInfoPath, archiveInfoPath+".copy")
	if err != nil {
		return Item{Name: "repository reachable", OK: false, Detail: err.Error()}
	}
	dbID, version, systemID, err := archive.CurrentDB()
	if err != nil {
		return Item{Name: "repository reachable", OK: false, Detail: err.Error()}
	}
	return Item{Name: "repository reachable", OK: true, Detail: fmt.Sprintf("db-id %d, version %s, system-id %d", dbID, version, systemID)}
}

// checkArchiving proves the full archive-push/archive-get path works
// end to end — repository write permission, the configured
// compress/cipher chain, and the segment lookup logic — by round-
// tripping a reserved sentinel segment name that can never collide
// with a real WAL segment, then removing the object it wrote.
func checkArchiving(ctx context.Context, cfg *config.Config, store *storage.Storage) Item {
	content := []byte("pgbackrest-go check\n")

	src, err := os.CreateTemp("", "pgbackrest-check-*")
	if err != nil {
		return Item{Name: "WAL archiving", OK: false, Detail: err.Error()}
	}
	defer os.Remove(src.Name())
	if _, err := src.Write(content); err != nil {
		src.Close()
		return Item{Name: "WAL archiving", OK: false, Detail: err.Error()}
	}
	src.Close()

	walPath := filepath.Join(filepath.Dir(src.Name()), checkWALSegment)
	if err := os.Rename(src.Name(), walPath); err != nil {
		return Item{Name: "WAL archiving", OK: false, Detail: err.Error()}
	}
	defer os.Remove(walPath)

	pushCfg := *cfg
	pushCfg.ArchiveAsync = false
	if err := archivecmd.Push(ctx, &pushCfg, store, walPath); err != nil {
		return Item{Name: "WAL archiving", OK: false, Detail: fmt.Sprintf("push: %v", err)}
	}
	defer cleanupCheckSegment(ctx, &pushCfg, store)

	destPath := filepath.Join(os.TempDir(), fmt.Sprintf("pgbackrest-check-dest-%d", os.Getpid()))
	defer os.Remove(destPath)
	if err := archivecmd.Get(ctx, &pushCfg, store, checkWALSegment, destPath); err != nil {
		return Item{Name: "WAL archiving", OK: false, Detail: fmt.Sprintf("get: %v", err)}
	}
	got, err := os.ReadFile(destPath)
	if err != nil {
		return Item{Name: "WAL archiving", OK: false, Detail: err.Error()}
	}
	if string(got) != string(content) {
		return Item{Name: "WAL archiving", OK: false, Detail: "round-trip content mismatch"}
	}
	return Item{Name: "WAL archiving", OK: true}
}

// cleanupCheckSegment removes the sentinel segment's directory so a
// repeated `check` run, or a stanza's real WAL history, never
// accumulates scratch objects.
func cleanupCheckSegment(ctx context.Context, cfg *config.Config, store *storage.Storage) {
	archiveInfoPath := fmt.Sprintf("archive/%s/archive.info", cfg.Stanza)
	archive, err := infofile.LoadArchiveInfo(ctx, store, archiveInfoPath, archiveInfoPath+".copy")
	if err != nil {
		return
	}
	dbID, version, _, err := archive.CurrentDB()
	if err != nil {
		return
	}
	dir, err := archivecmd.SegmentDir(cfg.Stanza, version, dbID, checkWALSegment)
	if err != nil {
		return
	}
	_ = store.PathRemove(ctx, dir, true)
}

// Package stanza implements stanza-create, stanza-upgrade, and
// stanza-delete: the lifecycle operations spec.md §3 assigns to a
// stanza's PostgreSQL history and its archive.info/backup.info pair.
// Each command takes the stanza's backup lock (spec.md §4.9) so it
// never races a concurrent backup or another stanza-* invocation.
package stanza

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vbp1/pgbackrest-go/internal/errx"
	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/lock"
	"github.com/vbp1/pgbackrest-go/internal/pgctl"
	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// Paths locates the archive.info/backup.info primary+copy pair for one
// stanza, matching the repository layout spec.md §6 lays out.
type Paths struct {
	ArchiveInfo     string
	ArchiveInfoCopy string
	BackupInfo      string
	BackupInfoCopy  string
}

// NewPaths builds the canonical info-file paths, relative to the
// storage facade's root, for stanza.
func NewPaths(stanzaName string) Paths {
	archiveDir := fmt.Sprintf("archive/%s", stanzaName)
	backupDir := fmt.Sprintf("backup/%s", stanzaName)
	return Paths{
		ArchiveInfo:     archiveDir + "/archive.info",
		ArchiveInfoCopy: archiveDir + "/archive.info.copy",
		BackupInfo:      backupDir + "/backup.info",
		BackupInfoCopy:  backupDir + "/backup.info.copy",
	}
}

// Create provisions a brand-new stanza: it connects to the live cluster,
// reads its identity, and writes a fresh archive.info/backup.info pair
// recording dbId 1 as both the current and sole history entry. It
// refuses to run over an existing, loadable pair — use Upgrade for a
// cluster that already has one.
func Create(ctx context.Context, store *storage.Storage, lockPath, stanzaName string, pool *pgxpool.Pool) error {
	fl := lock.New(lockPath, stanzaName, lock.KindBackup)
	ok, err := fl.TryLock()
	if err != nil {
		return errx.Wrap(errx.CodeLockAcquire, errx.CategoryFatalLocal, err)
	}
	if !ok {
		return errx.UserError(errx.CodeLockAcquire, "stanza-create: lock held by pid %d", fl.HolderPID())
	}
	defer func() { _ = fl.Unlock() }()

	paths := NewPaths(stanzaName)

	if _, err := infofile.LoadArchiveInfo(ctx, store, paths.ArchiveInfo, paths.ArchiveInfoCopy); err == nil {
		return errx.UserError(errx.CodeFormat, "stanza-create: stanza %q already exists", stanzaName)
	}

	if err := pgctl.EnsureVersion15Plus(ctx, pool); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	ci, err := pgctl.ReadControlInfo(ctx, pool)
	if err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, fmt.Errorf("stanza-create: %w", err))
	}

	const firstDBID = 1

	archive := infofile.NewArchiveInfo()
	if err := archive.SetCurrentDB(firstDBID, ci.Version, ci.SystemID); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	if err := archive.AddHistory(firstDBID, ci.Version, ci.SystemID); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}

	backup := infofile.NewBackupInfo()
	if err := backup.SetCurrentDB(firstDBID, ci.Version, ci.SystemID); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	if err := backup.AddHistory(firstDBID, ci.Version, ci.SystemID); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}

	if err := store.PathCreate(ctx, fmt.Sprintf("archive/%s", stanzaName), 0o750, true, true); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}
	if err := store.PathCreate(ctx, fmt.Sprintf("backup/%s", stanzaName), 0o750, true, true); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}

	if err := archive.Save(ctx, store, paths.ArchiveInfo, paths.ArchiveInfoCopy); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("stanza-create: save archive.info: %w", err))
	}
	if err := backup.Save(ctx, store, paths.BackupInfo, paths.BackupInfoCopy); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("stanza-create: save backup.info: %w", err))
	}
	return nil
}

// Upgrade appends a new PostgreSQL history entry when the live cluster's
// (version, systemId) no longer matches the stanza's current entry —
// e.g. after a major-version in-place upgrade. dbId is assigned densely
// increasing, matching spec.md §3's invariant. It is a no-op (returns
// nil) if the cluster already matches the current entry.
func Upgrade(ctx context.Context, store *storage.Storage, lockPath, stanzaName string, pool *pgxpool.Pool) error {
	fl := lock.New(lockPath, stanzaName, lock.KindBackup)
	ok, err := fl.TryLock()
	if err != nil {
		return errx.Wrap(errx.CodeLockAcquire, errx.CategoryFatalLocal, err)
	}
	if !ok {
		return errx.UserError(errx.CodeLockAcquire, "stanza-upgrade: lock held by pid %d", fl.HolderPID())
	}
	defer func() { _ = fl.Unlock() }()

	paths := NewPaths(stanzaName)

	archive, err := infofile.LoadArchiveInfo(ctx, store, paths.ArchiveInfo, paths.ArchiveInfoCopy)
	if err != nil {
		return errx.UserError(errx.CodeFileMissing, "stanza-upgrade: no existing stanza %q: %v", stanzaName, err)
	}
	backup, err := infofile.LoadBackupInfo(ctx, store, paths.BackupInfo, paths.BackupInfoCopy)
	if err != nil {
		return errx.UserError(errx.CodeFileMissing, "stanza-upgrade: no existing stanza %q: %v", stanzaName, err)
	}

	if err := pgctl.EnsureVersion15Plus(ctx, pool); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	ci, err := pgctl.ReadControlInfo(ctx, pool)
	if err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, fmt.Errorf("stanza-upgrade: %w", err))
	}

	curDBID, curVersion, curSystemID, err := archive.CurrentDB()
	if err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	if curVersion == ci.Version && curSystemID == ci.SystemID {
		return nil
	}

	newDBID := curDBID + 1
	if err := archive.SetCurrentDB(newDBID, ci.Version, ci.SystemID); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	if err := archive.AddHistory(newDBID, ci.Version, ci.SystemID); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	if err := backup.SetCurrentDB(newDBID, ci.Version, ci.SystemID); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	if err := backup.AddHistory(newDBID, ci.Version, ci.SystemID); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}

	if err := store.PathCreate(ctx, fmt.Sprintf("archive/%s", stanzaName), 0o750, true, true); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}
	if err := archive.Save(ctx, store, paths.ArchiveInfo, paths.ArchiveInfoCopy); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("stanza-upgrade: save archive.info: %w", err))
	}
	if err := backup.Save(ctx, store, paths.BackupInfo, paths.BackupInfoCopy); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("stanza-upgrade: save backup.info: %w", err))
	}
	return nil
}

// Delete removes a stanza's archive and backup trees after confirming
// its lock is free (spec.md §3's lifecycle rule). force skips the
// "any backups exist" guard, mirroring stanza-delete --force.
func Delete(ctx context.Context, store *storage.Storage, lockPath, stanzaName string, force bool) error {
	fl := lock.New(lockPath, stanzaName, lock.KindBackup)
	ok, err := fl.TryLock()
	if err != nil {
		return errx.Wrap(errx.CodeLockAcquire, errx.CategoryFatalLocal, err)
	}
	if !ok {
		return errx.UserError(errx.CodeLockAcquire, "stanza-delete: lock held by pid %d", fl.HolderPID())
	}
	defer func() { _ = fl.Unlock() }()

	paths := NewPaths(stanzaName)

	if !force {
		if backup, err := infofile.LoadBackupInfo(ctx, store, paths.BackupInfo, paths.BackupInfoCopy); err == nil {
			entries, err := backup.Backups()
			if err != nil {
				return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
			}
			if len(entries) > 0 {
				return errx.UserError(errx.CodeAssertion, "stanza-delete: stanza %q has %d backup(s); pass --force to delete anyway", stanzaName, len(entries))
			}
		}
	}

	if err := store.PathRemove(ctx, fmt.Sprintf("archive/%s", stanzaName), true); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}
	if err := store.PathRemove(ctx, fmt.Sprintf("backup/%s", stanzaName), true); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}
	return nil
}

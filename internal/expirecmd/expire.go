// Package expirecmd implements the `expire` command (spec.md §3, §6):
// applying the configured full/differential retention policy to a
// stanza's backups, and pruning archived WAL no surviving backup can
// reference (spec.md §3: "Archive segment ... removed by expire when no
// surviving backup references its LSN range").
package expirecmd

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/vbp1/pgbackrest-go/internal/archivecmd"
	"github.com/vbp1/pgbackrest-go/internal/config"
	"github.com/vbp1/pgbackrest-go/internal/errx"
	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/lock"
	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// Result summarizes one expire run for CLI output. PrunedArchive counts
// both removed archive directories and removed segment files.
type Result struct {
	ExpiredBackups []string
	PrunedArchive  int
}

// Run applies cfg.RetentionFull/RetentionDiff to the stanza's backups
// and prunes WAL left unreferenced by the result.
func Run(ctx context.Context, cfg *config.Config, store *storage.Storage) (Result, error) {
	fl := lock.New(cfg.LockPath, cfg.Stanza, lock.KindBackup)
	ok, err := fl.TryLock()
	if err != nil {
		return Result{}, errx.Wrap(errx.CodeLockAcquire, errx.CategoryFatalLocal, err)
	}
	if !ok {
		return Result{}, errx.UserError(errx.CodeLockAcquire, "expire: lock held by pid %d", fl.HolderPID())
	}
	defer func() { _ = fl.Unlock() }()

	backupInfoPath := fmt.Sprintf("backup/%s/backup.info", cfg.Stanza)
	backupInfoCopyPath := backupInfoPath + ".copy"
	backupInfo, err := infofile.LoadBackupInfo(ctx, store, backupInfoPath, backupInfoCopyPath)
	if err != nil {
		return Result{}, errx.UserError(errx.CodeFileMissing, "expire: stanza %q not found: %v", cfg.Stanza, err)
	}
	entries, err := backupInfo.Backups()
	if err != nil {
		return Result{}, errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}

	expired := computeExpiredSet(entries, cfg.RetentionFull, cfg.RetentionDiff)

	var result Result
	for label := range expired {
		dir := fmt.Sprintf("backup/%s/%s", cfg.Stanza, label)
		if err := store.PathRemove(ctx, dir, true); err != nil {
			return result, errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("expire: remove %s: %w", dir, err))
		}
		backupInfo.RemoveBackup(label)
		result.ExpiredBackups = append(result.ExpiredBackups, label)
	}
	sort.Strings(result.ExpiredBackups)

	if len(result.ExpiredBackups) > 0 {
		if err := backupInfo.Save(ctx, store, backupInfoPath, backupInfoCopyPath); err != nil {
			return result, errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("expire: save backup.info: %w", err))
		}
	}

	survivors, err := backupInfo.Backups()
	if err != nil {
		return result, errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	minSegment := earliestArchiveStart(survivors)
	if minSegment != "" {
		dbID, version, _, err := backupInfo.CurrentDB()
		if err == nil {
			pruned, err := pruneArchive(ctx, store, cfg.Stanza, version, dbID, minSegment)
			if err != nil {
				return result, errx.Wrap(errx.CodeUnknownFatal, errx.CategoryRetriableRemote, fmt.Errorf("expire: prune archive: %w", err))
			}
			result.PrunedArchive = pruned
		}
	}

	slog.Info("expire complete", "stanza", cfg.Stanza, "expired", result.ExpiredBackups, "pruned-archive", result.PrunedArchive)
	return result, nil
}

// computeExpiredSet decides which backup labels retentionFull/
// retentionDiff (0 means "keep forever") mark for removal. A full
// backup's expiry cascades to every backup whose ancestor chain reaches
// it; a differential's expiry (via retentionDiff) cascades only to its
// own dependent incrementals, never to its full ancestor.
func computeExpiredSet(entries []infofile.BackupEntry, retentionFull, retentionDiff int) map[string]bool {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Label < entries[j].Label })
	byLabel := make(map[string]infofile.BackupEntry, len(entries))
	for _, e := range entries {
		byLabel[e.Label] = e
	}

	fullAncestor := func(label string) string {
		seen := make(map[string]bool)
		for {
			e, ok := byLabel[label]
			if !ok || seen[label] {
				return label
			}
			seen[label] = true
			if e.Type == infofile.BackupTypeFull || e.PriorLabel == "" {
				return label
			}
			label = e.PriorLabel
		}
	}

	var fulls []string
	for _, e := range entries {
		if e.Type == infofile.BackupTypeFull {
			fulls = append(fulls, e.Label)
		}
	}
	sort.Strings(fulls)

	expired := make(map[string]bool)
	keepFulls := make(map[string]bool)
	if retentionFull > 0 && len(fulls) > retentionFull {
		cut := len(fulls) - retentionFull
		for _, f := range fulls[:cut] {
			expired[f] = true
		}
		for _, f := range fulls[cut:] {
			keepFulls[f] = true
		}
	} else {
		for _, f := range fulls {
			keepFulls[f] = true
		}
	}
	for _, e := range entries {
		if expired[fullAncestor(e.Label)] {
			expired[e.Label] = true
		}
	}

	if retentionDiff > 0 {
		diffsByFull := make(map[string][]string)
		for _, e := range entries {
			if e.Type != infofile.BackupTypeDiff || expired[e.Label] {
				continue
			}
			full := fullAncestor(e.Label)
			if !keepFulls[full] {
				continue
			}
			diffsByFull[full] = append(diffsByFull[full], e.Label)
		}
		for _, diffs := range diffsByFull {
			sort.Strings(diffs)
			if len(diffs) <= retentionDiff {
				continue
			}
			for _, d := range diffs[:len(diffs)-retentionDiff] {
				expired[d] = true
			}
		}
		for _, e := range entries {
			if expired[e.Label] {
				continue
			}
			label := e.PriorLabel
			for label != "" {
				if expired[label] {
					expired[e.Label] = true
					break
				}
				prior, ok := byLabel[label]
				if !ok || prior.Type == infofile.BackupTypeFull {
					break
				}
				label = prior.PriorLabel
			}
		}
	}

	return expired
}

// earliestArchiveStart returns the smallest ArchiveStart WAL segment
// name recorded among survivors, or "" if none recorded one (e.g. no
// backups survive, or an older backup predates this field).
func earliestArchiveStart(survivors []infofile.BackupEntry) string {
	min := ""
	for _, e := range survivors {
		if e.ArchiveStart == "" {
			continue
		}
		if min == "" || e.ArchiveStart < min {
			min = e.ArchiveStart
		}
	}
	return min
}

// pruneArchive removes archived WAL segment directories for dbID whose
// content is entirely older than minSegment, and within the one
// straddling directory, the individual segment files older than it.
// Segment names are fixed-width hex, so lexicographic order tracks LSN
// order within one timeline, and a timeline switch only increases the
// leading hex digits further.
func pruneArchive(ctx context.Context, store *storage.Storage, stanza, pgVersion string, dbID int, minSegment string) (int, error) {
	dir := archivecmd.HistoryDir(stanza, pgVersion, dbID)
	entries, err := store.List(ctx, dir, "", storage.LevelBasic)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", dir, err)
	}
	pruned := 0
	threshold := minSegment
	if len(threshold) > 16 {
		threshold = threshold[:16]
	}
	for _, e := range entries {
		if !e.IsDir || len(e.Name) != 16 {
			continue
		}
		switch {
		case e.Name < threshold:
			if err := store.PathRemove(ctx, dir+"/"+e.Name, true); err != nil {
				return pruned, fmt.Errorf("remove %s/%s: %w", dir, e.Name, err)
			}
			pruned++
		case e.Name == threshold:
			files, err := store.List(ctx, dir+"/"+e.Name, "", storage.LevelExists)
			if err != nil {
				return pruned, fmt.Errorf("list %s/%s: %w", dir, e.Name, err)
			}
			for _, f := range files {
				if len(f.Name) >= 24 && f.Name[:24] < minSegment {
					if err := store.Remove(ctx, dir+"/"+e.Name+"/"+f.Name, false); err != nil {
						return pruned, fmt.Errorf("remove %s/%s/%s: %w", dir, e.Name, f.Name, err)
					}
					pruned++
				}
			}
		}
	}
	return pruned, nil
}

// Package backup implements the `backup` command (spec.md §3, §4.6):
// a full, differential, or incremental snapshot of a live PostgreSQL
// cluster's PGDATA, built from pg_backup_start/pg_backup_stop plus a
// file-by-file copy into the repository through the same filter chain
// (hash, compress, encrypt, page-checksum) archive-push uses.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/vbp1/pgbackrest-go/internal/bundle"
	"github.com/vbp1/pgbackrest-go/internal/config"
	"github.com/vbp1/pgbackrest-go/internal/debug"
	"github.com/vbp1/pgbackrest-go/internal/errx"
	"github.com/vbp1/pgbackrest-go/internal/filter"
	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/lock"
	"github.com/vbp1/pgbackrest-go/internal/manifest"
	"github.com/vbp1/pgbackrest-go/internal/pgctl"
	"github.com/vbp1/pgbackrest-go/internal/runctx"
	"github.com/vbp1/pgbackrest-go/internal/storage"
	"github.com/vbp1/pgbackrest-go/internal/util/disk"
)

// bundleThreshold is the largest file size still eligible for bundling
// into one repository object alongside other small files (spec.md §6);
// chosen to cover the bulk of PGDATA's tiny catalog/config files while
// keeping individual relation segments as standalone objects.
const bundleThreshold = 16 * 1024

// excludeRelPaths are PGDATA entries spec.md's Non-goals and PostgreSQL's
// own backup documentation agree never belong in a physical backup: they
// hold transient state the restored cluster regenerates on startup.
var excludeRelPaths = map[string]bool{
	"postmaster.pid": true, "postmaster.opts": true,
	"pg_wal": true, "pg_replslot": true,
}

var relationFileRe = regexp.MustCompile(`^\d+(\.\d+)?(_fsm|_vm|_init)?$`)

// Run performs one backup of backupType, recording it under the
// stanza's backup.info on success. It takes the stanza's backup lock
// for its whole duration (spec.md §4.9: backup and stanza-* share one
// lock namespace).
func Run(ctx context.Context, cfg *config.Config, store *storage.Storage, pool *pgxpool.Pool, backupType infofile.BackupType) error {
	fl := lock.New(cfg.LockPath, cfg.Stanza, lock.KindBackup)
	ok, err := fl.TryLock()
	if err != nil {
		return errx.Wrap(errx.CodeLockAcquire, errx.CategoryFatalLocal, err)
	}
	if !ok {
		return errx.UserError(errx.CodeLockAcquire, "backup: lock held by pid %d", fl.HolderPID())
	}
	defer func() { _ = fl.Unlock() }()

	backupInfoPath := fmt.Sprintf("backup/%s/backup.info", cfg.Stanza)
	backupInfoCopyPath := backupInfoPath + ".copy"
	backupInfo, err := infofile.LoadBackupInfo(ctx, store, backupInfoPath, backupInfoCopyPath)
	if err != nil {
		return errx.UserError(errx.CodeFileMissing, "backup: stanza %q not found: %v", cfg.Stanza, err)
	}
	dbID, _, _, err := backupInfo.CurrentDB()
	if err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}

	priorLabel, reference, backupType, err := resolveAncestor(backupInfo, backupType)
	if err != nil {
		return errx.UserError(errx.CodeAssertion, "backup: %v", err)
	}
	refs, err := referenceChain(backupInfo, priorLabel)
	if err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}

	if err := disk.EnsureSpace(map[string]uint64{cfg.LockPath: 64 * 1024 * 1024}); err != nil {
		return errx.UserError(errx.CodeUnknownFatal, "backup: %v", err)
	}

	rc, err := runctx.New("pgbackrest_backup_", false)
	if err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}
	defer func() { _ = rc.Cleanup() }()

	start, err := pgctl.BackupStart(ctx, pool, "pgbackrest-go backup", true)
	if err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("backup: %w", err))
	}
	debug.StopIf("backup-started")

	fullLabel := ""
	if len(refs) > 0 {
		fullLabel = refs[0]
	}
	label := newLabel(backupType, fullLabel, time.Now())
	backupDir := fmt.Sprintf("backup/%s/%s", cfg.Stanza, label)
	if err := store.PathCreate(ctx, backupDir, 0o750, true, true); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}

	ancestorManifests, err := loadAncestorManifests(ctx, store, cfg.Stanza, reference)
	if err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}

	man := manifest.New()
	if err := man.SetBackupLabel(label); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}

	databases, err := listDatabases(ctx, pool)
	if err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("backup: list databases: %w", err))
	}
	for _, d := range databases {
		if err := man.AddDatabase(manifest.DBEntry{Name: d.name, OID: d.oid, ID: dbID}); err != nil {
			return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
		}
	}

	bundler := bundle.New()
	var pgDataSize, repoSize int64

	var bar *mpb.Bar
	var progress *mpb.Progress
	if cfg.ProgressBar {
		totalBytes := estimatePgDataSize(cfg.PgDataPath)
		progress = mpb.New(mpb.WithWidth(40), mpb.WithRefreshRate(100*time.Millisecond))
		namePrefix := label + " "
		bar = progress.New(totalBytes, mpb.BarStyle().Rbound("|").Lbound("|"),
			mpb.PrependDecorators(decor.Name(namePrefix, decor.WC{W: len(namePrefix), C: decor.DSyncWidth}), decor.Percentage()),
			mpb.AppendDecorators(decor.Any(func(s decor.Statistics) string {
				return fmt.Sprintf("%s / %s", formatBytes(s.Current), formatBytes(s.Total))
			})))
	}

	walkErr := filepath.WalkDir(cfg.PgDataPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(cfg.PgDataPath, path)
		if err != nil || rel == "." {
			return err
		}
		if isExcluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			return man.AddPath(manifest.PathEntry{Path: rel, Mode: uint32(fi.Mode().Perm())})
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return man.AddLink(manifest.LinkEntry{Path: rel, Destination: target})
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		entry, bundleContent, written, err := backupOneFile(ctx, store, cfg, backupDir, rel, path, fi, reference, ancestorManifests)
		if err != nil {
			return fmt.Errorf("backup file %s: %w", rel, err)
		}
		pgDataSize += fi.Size()
		repoSize += written
		if bar != nil {
			bar.IncrBy(int(fi.Size()))
		}

		if bundleContent != nil {
			bEntry := bundler.Add(rel, bundleContent)
			entry.Bundle = "bundle/1"
			entry.BundleOffset = bEntry.Offset
		}

		return man.AddFile(entry)
	})
	if bar != nil {
		bar.SetTotal(-1, true)
		progress.Wait()
	}
	if walkErr != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("backup: walk pgdata: %w", walkErr))
	}

	if bundler.Len() > 0 {
		idx, err := bundler.EncodeIndex()
		if err != nil {
			return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
		}
		if err := store.PathCreate(ctx, backupDir+"/bundle", 0o750, true, true); err != nil {
			return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
		}
		if _, err := putStaged(ctx, store, rc, "bundle-1", backupDir+"/bundle/1", bundler.Data()); err != nil {
			return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryRetriableRemote, err)
		}
		if _, err := putStaged(ctx, store, rc, "bundle-1-idx", backupDir+"/bundle/1.idx", idx); err != nil {
			return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryRetriableRemote, err)
		}
		repoSize += bundler.Len()
	}

	stop, err := pgctl.BackupStop(ctx, pool, true)
	if err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("backup: %w", err))
	}
	if _, err := putStaged(ctx, store, rc, "backup_label", backupDir+"/backup_label", stop.LabelFile); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}
	if stop.HasSpcMap {
		if _, err := putStaged(ctx, store, rc, "tablespace_map", backupDir+"/tablespace_map", stop.SpcMapFile); err != nil {
			return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
		}
	}

	attrs := manifest.BackupAttrs{
		Type: string(backupType), PriorLabel: priorLabel, Reference: refs,
		Start: parseLabelTime(label), Stop: time.Now().Unix(), DBID: dbID,
		PgDataSize: pgDataSize, RepoSize: repoSize,
		ArchiveStart: start.WalFile, ArchiveStop: stop.WalFile,
	}
	if err := man.SetBackupAttrs(attrs); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	if err := man.SetOption("compress-type", cfg.Repo.CompressType); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}

	if err := man.Save(ctx, store, backupDir+"/backup.manifest", backupDir+"/backup.manifest.copy"); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("backup: save manifest: %w", err))
	}

	if err := backupInfo.AddBackup(infofile.BackupEntry{
		Label: label, Type: backupType, PriorLabel: priorLabel, Reference: refs,
		Timestamp:  infofile.TimestampRange{Start: parseLabelTime(label), Stop: time.Now().Unix()},
		DBID:       dbID,
		PgDataSize: pgDataSize, RepoSize: repoSize,
		ArchiveStart: start.WalFile, ArchiveStop: stop.WalFile,
	}); err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	if err := backupInfo.Save(ctx, store, backupInfoPath, backupInfoCopyPath); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("backup: save backup.info: %w", err))
	}

	slog.Info("backup complete", "label", label, "type", backupType, "start-wal", start.WalFile, "stop-wal", stop.WalFile)
	return nil
}

// backupOneFile hashes (and, for relation files, page-checksum-verifies)
// one PGDATA file, then disposes of its bytes one of three ways: delta
// reuse (ref != "" with matching checksum already recorded in an
// ancestor) writes nothing and the manifest entry just points at the
// ancestor's copy, as spec.md §3's "optional per-file reference to an
// ancestor backup" describes; a small non-relation file is left
// unwritten here and its raw content returned for the caller to fold
// into the shared bundle; everything else is driven through the
// compress/encrypt chain and written as a standalone repository object.
// It returns the manifest entry, the file's raw bytes when the caller
// should bundle it (nil otherwise), and the bytes actually written to
// the repository by this call.
func backupOneFile(ctx context.Context, store *storage.Storage, cfg *config.Config, backupDir, rel, absPath string, fi fs.FileInfo, reference string, ancestors map[string]*manifest.Manifest) (manifest.FileEntry, []byte, int64, error) {
	content, err := os.ReadFile(absPath)
	if err != nil {
		return manifest.FileEntry{}, nil, 0, err
	}

	hashFilters := []filter.Filter{filter.NewSHA256()}
	var pageFilter *filter.PageChecksumVerify
	if isRelationFile(rel) {
		pageFilter = filter.NewPageChecksumVerify(0)
		hashFilters = append(hashFilters, pageFilter)
	}
	checkGroup := filter.NewGroup(hashFilters...)
	if _, err := checkGroup.Step(content); err != nil {
		return manifest.FileEntry{}, nil, 0, err
	}
	if _, err := checkGroup.Flush(); err != nil {
		return manifest.FileEntry{}, nil, 0, err
	}
	results := checkGroup.Results()
	checksum, _ := results["sha256"].(string)

	entry := manifest.FileEntry{
		Path: rel, Checksum: checksum, Size: fi.Size(),
		Mode: uint32(fi.Mode().Perm()), ModTime: fi.ModTime().Unix(),
	}
	if pageFilter != nil {
		if bad, ok := results["page-checksum-verify"].([]uint32); ok {
			for _, b := range bad {
				entry.PageErrors = append(entry.PageErrors, int64(b))
			}
		}
	}

	if reference != "" {
		if anc, ok := ancestors[reference]; ok {
			if ancFile, found, _ := anc.File(rel); found && ancFile.Checksum == checksum && ancFile.Size == fi.Size() {
				entry.Reference = physicalReference(ancestors, reference, rel, ancFile)
				return entry, nil, 0, nil
			}
		}
	}

	if fi.Size() <= bundleThreshold && pageFilter == nil {
		return entry, content, 0, nil
	}

	writeGroup, err := buildBackupWriteChain(cfg.Repo)
	if err != nil {
		return manifest.FileEntry{}, nil, 0, err
	}
	encoded, err := writeGroup.Step(content)
	if err != nil {
		return manifest.FileEntry{}, nil, 0, err
	}
	tail, err := writeGroup.Flush()
	if err != nil {
		return manifest.FileEntry{}, nil, 0, err
	}
	encoded = append(encoded, tail...)

	destRel := rel
	if cfg.Repo.CompressType == "gz" {
		destRel += ".gz"
	} else if cfg.Repo.CompressType == "lz4" {
		destRel += ".lz4"
	}
	if cfg.Repo.CipherType == "aes-256-cbc" {
		destRel += ".aes"
	}
	dest := backupDir + "/pg_data/" + destRel
	if err := store.PathCreate(ctx, filepath.Dir(dest), 0o750, true, true); err != nil {
		return manifest.FileEntry{}, nil, 0, err
	}
	if _, err := store.PutAll(ctx, dest, bytes.NewReader(encoded), storage.WriteOptions{Atomic: true}); err != nil {
		return manifest.FileEntry{}, nil, 0, err
	}
	return entry, nil, int64(len(encoded)), nil
}

// buildBackupWriteChain returns the compress/encrypt-only filter group a
// PGDATA file's plaintext is driven through on the way into the
// repository; unlike archivecmd's chain, the content hash is computed
// separately (and, for relation files, alongside page-checksum
// verification) before this chain ever runs, so no hash filter belongs
// here.
func buildBackupWriteChain(repo config.RepoConfig) (*filter.Group, error) {
	var filters []filter.Filter
	switch repo.CompressType {
	case "gz":
		filters = append(filters, filter.NewGzipCompress(repo.CompressLevel))
	case "lz4":
		filters = append(filters, filter.NewLz4Compress())
	}
	if repo.CipherType == "aes-256-cbc" {
		enc, err := filter.NewAESEncrypt(repo.CipherPass, []byte(repo.Path))
		if err != nil {
			return nil, err
		}
		filters = append(filters, enc)
	}
	return filter.NewGroup(filters...), nil
}

// resolveAncestor picks the backup this run will chain from (for diff
// and incr types) and normalizes requests that can't be satisfied — a
// diff/incr request with no existing full backup always falls back to
// a full backup, matching the source system's own well-known behavior.
func resolveAncestor(backupInfo *infofile.BackupInfo, requested infofile.BackupType) (priorLabel, reference string, actual infofile.BackupType, err error) {
	entries, err := backupInfo.Backups()
	if err != nil {
		return "", "", requested, err
	}
	if requested == infofile.BackupTypeFull || len(entries) == 0 {
		return "", "", infofile.BackupTypeFull, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Label < entries[j].Label })
	latest := entries[len(entries)-1]
	switch requested {
	case infofile.BackupTypeDiff:
		full := latestFull(entries)
		if full == nil {
			return "", "", infofile.BackupTypeFull, nil
		}
		return full.Label, full.Label, infofile.BackupTypeDiff, nil
	case infofile.BackupTypeIncr:
		return latest.Label, latest.Label, infofile.BackupTypeIncr, nil
	default:
		return "", "", infofile.BackupTypeFull, fmt.Errorf("unknown backup type %q", requested)
	}
}

func latestFull(entries []infofile.BackupEntry) *infofile.BackupEntry {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == infofile.BackupTypeFull {
			return &entries[i]
		}
	}
	return nil
}

// loadAncestorManifests loads every manifest in label's ancestor chain
// (spec.md §3: "reference list is exactly the transitive ancestor
// chain"), walking PriorLabel back to the root full backup.
func loadAncestorManifests(ctx context.Context, store *storage.Storage, stanzaName, label string) (map[string]*manifest.Manifest, error) {
	out := make(map[string]*manifest.Manifest)
	for label != "" {
		dir := fmt.Sprintf("backup/%s/%s", stanzaName, label)
		man, err := manifest.Load(ctx, store, dir+"/backup.manifest", dir+"/backup.manifest.copy")
		if err != nil {
			return nil, fmt.Errorf("load ancestor manifest %s: %w", label, err)
		}
		out[label] = man
		attrs, ok, err := man.BackupAttrs()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		label = attrs.PriorLabel
	}
	return out, nil
}

// putStaged writes content to a scratch file under rc's run directory
// before uploading it, so a large bundle payload doesn't have to be
// held as a second in-memory copy alongside the one the caller already
// built; the scratch file is removed once the upload completes.
func putStaged(ctx context.Context, store *storage.Storage, rc *runctx.RunCtx, name, dest string, content []byte) (int64, error) {
	staged := rc.Path(name)
	if err := os.WriteFile(staged, content, 0o640); err != nil {
		return 0, fmt.Errorf("stage %s: %w", name, err)
	}
	defer func() { _ = os.Remove(staged) }()

	f, err := os.Open(staged)
	if err != nil {
		return 0, fmt.Errorf("reopen staged %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	return store.PutAll(ctx, dest, f, storage.WriteOptions{Atomic: true})
}

type pgDatabase struct {
	name string
	oid  uint32
}

// listDatabases records every connectable database so restore/selective
// restore (spec.md's db-id/db-oid mapping) can translate a requested
// database name to the base/<oid> directory backed up under pg_data.
func listDatabases(ctx context.Context, pool *pgxpool.Pool) ([]pgDatabase, error) {
	rows, err := pool.Query(ctx, `SELECT oid, datname FROM pg_database WHERE datallowconn`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pgDatabase
	for rows.Next() {
		var d pgDatabase
		if err := rows.Scan(&d.oid, &d.name); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// referenceChain returns the transitive ancestor chain for a backup
// whose direct ancestor is priorLabel, ordered root full first — an
// incremental's list is [F, ..., prior], a differential's is [F], and a
// full's is empty (spec.md §3: "reference list is exactly the
// transitive ancestor chain").
func referenceChain(backupInfo *infofile.BackupInfo, priorLabel string) ([]string, error) {
	if priorLabel == "" {
		return nil, nil
	}
	entries, err := backupInfo.Backups()
	if err != nil {
		return nil, err
	}
	byLabel := make(map[string]infofile.BackupEntry, len(entries))
	for _, e := range entries {
		byLabel[e.Label] = e
	}
	var chain []string
	for label := priorLabel; label != ""; {
		chain = append([]string{label}, chain...)
		e, ok := byLabel[label]
		if !ok {
			return nil, fmt.Errorf("ancestor %s not found in backup.info", label)
		}
		label = e.PriorLabel
	}
	return chain, nil
}

// physicalReference resolves the ancestor label whose repository tree
// actually stores rel's bytes. The delta base's manifest entry may
// itself carry a reference — the file was already unchanged across
// earlier links of the chain and the base never wrote it — so the label
// recorded here must be the end of that chain, not the base, or restore
// would fetch an object that does not exist.
func physicalReference(ancestors map[string]*manifest.Manifest, label, rel string, entry manifest.FileEntry) string {
	for entry.Reference != "" {
		anc, ok := ancestors[entry.Reference]
		if !ok {
			break
		}
		next, found, err := anc.File(rel)
		if err != nil || !found {
			break
		}
		label = entry.Reference
		entry = next
	}
	return label
}

// formatBytes renders a byte count for the progress bar's decorator,
// adapted from the teacher's internal/rsync formatBytes.
func formatBytes(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	exp, value := 0, float64(n)
	for value >= unit && exp < 5 {
		value /= unit
		exp++
	}
	suffix := []string{"KB", "MB", "GB", "TB", "PB"}[exp-1]
	return fmt.Sprintf("%.2f %s", value, suffix)
}

// estimatePgDataSize sums the size of every file --progress's bar will
// walk through, grounded on the same pre-pass the teacher's rsync
// orchestrator runs to size its bar (internal/rsync/parallel.go) before
// any real transfer starts. A size miscounted by concurrent writes to
// PGDATA during the walk only skews the bar's percentage, never the
// backup's correctness.
func estimatePgDataSize(pgDataPath string) int64 {
	var total int64
	_ = filepath.WalkDir(pgDataPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(pgDataPath, path)
		if err != nil || rel == "." {
			return nil
		}
		if isExcluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

func isExcluded(rel string) bool {
	first := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	return excludeRelPaths[first]
}

func isRelationFile(rel string) bool {
	dir, base := filepath.Split(rel)
	if !strings.HasPrefix(dir, "base"+string(filepath.Separator)) && !strings.HasPrefix(dir, "global"+string(filepath.Separator)) {
		return false
	}
	return relationFileRe.MatchString(base)
}

// newLabel formats a backup label per spec.md §3's grammar
// YYYYMMDD-HHMMSSF[_YYYYMMDD-HHMMSS{D|I}]: the leading half is the root
// full ancestor's own label (so every member of a chain carries its
// full's stamp as a prefix), the trailing half is this backup's stamp.
func newLabel(t infofile.BackupType, fullLabel string, when time.Time) string {
	stamp := when.UTC().Format("20060102-150405")
	if fullLabel == "" {
		fullLabel = stamp + "F"
	}
	switch t {
	case infofile.BackupTypeDiff:
		return fullLabel + "_" + stamp + "D"
	case infofile.BackupTypeIncr:
		return fullLabel + "_" + stamp + "I"
	default:
		return stamp + "F"
	}
}

// parseLabelTime recovers the Unix timestamp of the backup's own stamp:
// the half after '_' for a diff/incr (the half before it is the parent
// full's stamp), the whole label for a full.
func parseLabelTime(label string) int64 {
	stamp := label
	if idx := strings.LastIndexByte(stamp, '_'); idx >= 0 {
		stamp = stamp[idx+1:]
	}
	stamp = strings.TrimRight(stamp, "FDI")
	t, err := time.Parse("20060102-150405", stamp)
	if err != nil {
		return time.Now().Unix()
	}
	return t.Unix()
}

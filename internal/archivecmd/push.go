package archivecmd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/vbp1/pgbackrest-go/internal/config"
	"github.com/vbp1/pgbackrest-go/internal/errx"
	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/lock"
	"github.com/vbp1/pgbackrest-go/internal/spool"
	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// Push implements `archive-push <wal-path>` (spec.md §4.8): in
// synchronous mode it pushes the segment directly; in async mode it
// queues the segment into the spool and waits up to ArchiveTimeout for
// the daemon (spawned if not already running) to settle it.
func Push(ctx context.Context, cfg *config.Config, store *storage.Storage, walPath string) error {
	segment := filepath.Base(walPath)

	if cfg.ArchiveAsync {
		return pushAsync(ctx, cfg, segment, walPath)
	}
	return pushSync(ctx, store, cfg.Stanza, cfg.Repo, segment, walPath)
}

// pushSync pushes one segment's content straight to the repository,
// shared by the synchronous path and by the async daemon's per-segment
// work.
func pushSync(ctx context.Context, store *storage.Storage, stanzaName string, repo config.RepoConfig, segment, srcPath string) error {
	plaintext, err := os.ReadFile(srcPath)
	if err != nil {
		return errx.Wrap(errx.CodeFileMissing, errx.CategoryFatalLocal, fmt.Errorf("archive-push: read %s: %w", srcPath, err))
	}

	archive, err := infofile.LoadArchiveInfo(ctx, store, fmt.Sprintf("archive/%s/archive.info", stanzaName), fmt.Sprintf("archive/%s/archive.info.copy", stanzaName))
	if err != nil {
		return errx.UserError(errx.CodeFileMissing, "archive-push: stanza %q not found: %v", stanzaName, err)
	}
	dbID, pgVersion, _, err := archive.CurrentDB()
	if err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}

	dir, err := segmentDir(stanzaName, pgVersion, dbID, segment)
	if err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	if err := store.PathCreate(ctx, dir, 0o750, true, true); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}

	existing, err := store.List(ctx, dir, segment+"-*", storage.LevelExists)
	if err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryRetriableRemote, err)
	}

	chain, hashFilter, err := buildWriteChain(repo)
	if err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	encoded, _, err := runChain(chain, plaintext)
	if err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("archive-push: encode %s: %w", segment, err))
	}
	hash, _ := hashFilter.Result()
	hashStr, _ := hash.(string)

	fileName := segmentFileName(segment, hashStr, repo.CompressType, repo.CipherType == "aes-256-cbc")

	for _, e := range existing {
		if strings.HasPrefix(e.Name, segment+"-") {
			if e.Name == fileName {
				return nil // spec.md §7: identical re-push is a no-op
			}
			return errx.UserError(errx.CodeAssertion, "archive-push: WAL segment %s already exists with different content", segment)
		}
	}

	if _, err := store.PutAll(ctx, dir+"/"+fileName, bytes.NewReader(encoded), storage.WriteOptions{Atomic: true, CreatePath: true}); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryRetriableRemote, fmt.Errorf("archive-push: write %s: %w", fileName, err))
	}
	return nil
}

// pushAsync implements spec.md §4.8 step 1: check existing status,
// enqueue, ensure the daemon is running, and poll.
func pushAsync(ctx context.Context, cfg *config.Config, segment, srcPath string) error {
	q, err := spool.New(cfg.SpoolPath, cfg.Stanza, spool.DirIn)
	if err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}

	switch q.Status(segment) {
	case spool.StatusOK:
		return q.ClearStatus(segment)
	case spool.StatusError:
		msg, _ := q.ErrorMessage(segment)
		_ = q.ClearStatus(segment)
		return errx.UserError(errx.CodeUnknownFatal, "archive-push: %s: %s", segment, msg)
	}

	if err := q.Enqueue(segment, srcPath); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}

	fl := lock.New(cfg.LockPath, cfg.Stanza, lock.KindArchive)
	if held, _ := fl.TryLock(); held {
		_ = fl.Unlock()
		if err := spawnPushDaemon(cfg); err != nil {
			slog.Warn("archive-push: spawn async daemon", "err", err)
		}
	}

	deadline := time.Now().Add(cfg.ArchiveTimeout)
	for time.Now().Before(deadline) {
		switch q.Status(segment) {
		case spool.StatusOK:
			return q.ClearStatus(segment)
		case spool.StatusError:
			msg, _ := q.ErrorMessage(segment)
			_ = q.ClearStatus(segment)
			return errx.UserError(errx.CodeUnknownFatal, "archive-push: %s: %s", segment, msg)
		}
		select {
		case <-ctx.Done():
			return errx.Wrap(errx.CodeTermSignal, errx.CategoryFatalLocal, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	return errx.UserError(errx.CodeUnknownFatal, "archive-push: timed out waiting for %s after %s", segment, cfg.ArchiveTimeout)
}

// reExecArgs builds the argv (minus argv[0]) for re-invoking this same
// binary in role under a different command name, forwarding only what
// the child can't otherwise discover: the stanza and, if the caller was
// pointed at a non-default config file, that path too. Everything else
// the child needs (repo settings, pg connection, paths) it resolves the
// same way the parent did — from the inherited environment and config
// file — matching how config.newSSHStorage forwards only --repo-path
// across its SSH re-exec rather than the whole option set.
func reExecArgs(command, role string, cfg *config.Config) []string {
	args := []string{fmt.Sprintf("%s:%s", command, role), "--stanza=" + cfg.Stanza}
	if cfg.ConfigPath != "" {
		args = append(args, "--config="+cfg.ConfigPath)
	}
	return args
}

// spawnPushDaemon forks a genuine child process running this same
// binary in the "archive-push-daemon" role (spec.md §4.8 step 1: "spawns
// the async daemon child"). It is deliberately fire-and-forget: the
// daemon drains the spool on its own schedule and records per-segment
// outcomes as files, so the parent never waits on it directly — it only
// polls the spool status already shared by both via --spool-path.
func spawnPushDaemon(cfg *config.Config) error {
	bin, err := os.Executable()
	if err != nil {
		bin = os.Args[0]
	}
	cmd := exec.Command(bin, reExecArgs("archive-push-daemon", "async", cfg)...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("archive-push: spawn daemon: %w", err)
	}
	return nil
}

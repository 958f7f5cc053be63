package archivecmd

import (
	"context"
	"fmt"
	"os"

	"github.com/vbp1/pgbackrest-go/internal/config"
	"github.com/vbp1/pgbackrest-go/internal/errx"
	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/spool"
	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// Get implements `archive-get <wal-name> <dest>` (spec.md §4.8). WAL
// not present in the repository is spec.md §7's distinguished
// missing-optional result, not an error: callers should treat an
// *errx.Error with Category CategoryMissingOptional as "ask PostgreSQL
// to try its other restore methods."
func Get(ctx context.Context, cfg *config.Config, store *storage.Storage, segment, destPath string) error {
	if cfg.ArchiveAsync {
		if err := prefetch(ctx, cfg, store, segment); err != nil {
			return err
		}
	}
	return getSync(ctx, store, cfg.Stanza, cfg.Repo, segment, destPath)
}

// getSync fetches one segment directly from the repository, shared by
// the synchronous path and the async daemon's prefetch fills.
func getSync(ctx context.Context, store *storage.Storage, stanzaName string, repo config.RepoConfig, segment, destPath string) error {
	archive, err := infofile.LoadArchiveInfo(ctx, store, fmt.Sprintf("archive/%s/archive.info", stanzaName), fmt.Sprintf("archive/%s/archive.info.copy", stanzaName))
	if err != nil {
		return errx.UserError(errx.CodeFileMissing, "archive-get: stanza %q not found: %v", stanzaName, err)
	}

	history, err := archive.History()
	if err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	curDBID, curVersion, _, err := archive.CurrentDB()
	if err != nil {
		return errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	history[curDBID] = infofile.DBHistoryEntry{Version: curVersion}

	// A requested segment may belong to any dbId the stanza's history
	// recorded (e.g. recovery replaying across a stanza-upgrade
	// boundary), so every known incarnation is a candidate directory.
	for dbID, entry := range history {
		dir, err := segmentDir(stanzaName, entry.Version, dbID, segment)
		if err != nil {
			continue
		}
		entries, err := store.List(ctx, dir, segment+"-*", storage.LevelExists)
		if err != nil || len(entries) == 0 {
			continue
		}
		fileName := entries[0].Name
		hash, _, encrypted, compressType, ok := parseSegmentFileName(segment, fileName)
		if !ok {
			return errx.Wrap(errx.CodeFormat, errx.CategoryFatalLocal, fmt.Errorf("archive-get: malformed repository object %s", fileName))
		}
		raw, err := store.GetAll(ctx, dir+"/"+fileName)
		if err != nil {
			return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryRetriableRemote, fmt.Errorf("archive-get: read %s: %w", fileName, err))
		}

		repoCopy := repo
		repoCopy.CompressType = compressType
		chain, err := buildReadChain(repoCopy, encrypted)
		if err != nil {
			return errx.Wrap(errx.CodeCrypto, errx.CategoryFatalLocal, err)
		}
		plaintext, results, err := runChain(chain, raw)
		if err != nil {
			return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, fmt.Errorf("archive-get: decode %s: %w", fileName, err))
		}
		if got, _ := results["sha1"].(string); got != "" && got != hash {
			return errx.Wrap(errx.CodeFormat, errx.CategoryFatalLocal, fmt.Errorf("archive-get: checksum mismatch for %s: repository %s, computed %s", segment, hash, got))
		}

		tmp := destPath + ".tmp"
		if err := os.WriteFile(tmp, plaintext, 0o640); err != nil {
			return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
		}
		if err := os.Rename(tmp, destPath); err != nil {
			return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
		}
		return nil
	}

	return errx.MissingOptional("archive-get: segment %s not found in repository", segment)
}

// idealHorizon is the number of segments ahead of the requested one
// archive-get's prefetch maintains (spec.md §4.8 step 3's "ideal
// queue"); chosen to keep a small, fixed lookahead without a tunable.
const idealHorizon = 4

// prefetch fills the "out" spool with the requested segment plus the
// next idealHorizon segments, pruning anything already queued that has
// fallen outside that horizon. Each absent segment is fetched once,
// synchronously; one missing from the repository is skipped, and any
// other fetch failure is recorded as that segment's error status. It
// returns once every segment has been tried and does not wait for any.
func prefetch(ctx context.Context, cfg *config.Config, store *storage.Storage, segment string) error {
	q, err := spool.New(cfg.SpoolPath, cfg.Stanza, spool.DirOut)
	if err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}

	ideal := buildIdealQueue(segment, idealHorizon)
	if err := q.PruneNotIn(ideal); err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}

	for name := range ideal {
		if q.Status(name) != spool.StatusAbsent {
			continue
		}
		dest := q.Dir() + "/" + name + ".tmp.fetch"
		if err := getSync(ctx, store, cfg.Stanza, cfg.Repo, name, dest); err != nil {
			if e, ok := errx.As(err); ok && e.Category == errx.CategoryMissingOptional {
				continue
			}
			_ = q.MarkError(name, errx.Code(err), err.Error())
			continue
		}
		if err := q.Enqueue(name, dest); err != nil {
			return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
		}
		_ = os.Remove(dest)
		_ = q.MarkOK(name)
	}
	return nil
}

// buildIdealQueue returns the requested segment plus the next n
// segments in the same timeline, by naive lexical/hex increment —
// sufficient since WAL segment names are fixed-width hex counters.
func buildIdealQueue(segment string, n int) map[string]bool {
	out := map[string]bool{segment: true}
	cur := segment
	for i := 0; i < n; i++ {
		next, ok := nextSegmentName(cur)
		if !ok {
			break
		}
		out[next] = true
		cur = next
	}
	return out
}

// nextSegmentName increments a WAL segment name's low 8 hex digits as a
// plain counter, reporting false only once it would pass FFFFFFFF.
// Rollover into the log-file component is not modeled: past the last
// segment of a log file it yields names PostgreSQL never produces, which
// prefetch then simply fails to find in the repository, as with any
// other gap.
func nextSegmentName(segment string) (string, bool) {
	if len(segment) != 24 {
		return "", false
	}
	low := segment[16:24]
	var n int64
	if _, err := fmt.Sscanf(low, "%x", &n); err != nil {
		return "", false
	}
	n++
	if n > 0xFFFFFFFF {
		return "", false
	}
	return segment[:16] + fmt.Sprintf("%08X", n), true
}

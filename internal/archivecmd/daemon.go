package archivecmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/vbp1/pgbackrest-go/internal/config"
	"github.com/vbp1/pgbackrest-go/internal/errx"
	"github.com/vbp1/pgbackrest-go/internal/ioend"
	"github.com/vbp1/pgbackrest-go/internal/lock"
	"github.com/vbp1/pgbackrest-go/internal/process"
	"github.com/vbp1/pgbackrest-go/internal/protocol"
	"github.com/vbp1/pgbackrest-go/internal/spool"
	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// daemonWorkers caps how many archive-push-worker child processes one
// daemon run spawns, regardless of how deep the spool backlog is.
const daemonWorkers = 4

// childGrace is how long a worker gets to exit cleanly after the
// daemon's context is canceled before process.KillChildrenOnCancel
// escalates to SIGKILL.
const childGrace = 5 * time.Second

// RunPushDaemon implements spec.md §4.8 step 2: acquire the stanza's
// archive lock, list the spool, and drain it by spawning a pool of
// worker child processes and dispatching one push-segment call per
// pending segment through internal/protocol.ParallelExecutor (spec.md
// §5: "parallelism exists only between the master and its worker pool;
// workers do not share memory with the master"). It returns nil
// immediately if another daemon instance already holds the lock — the
// caller's synchronous invocation will simply keep polling status files
// until that instance finishes.
func RunPushDaemon(ctx context.Context, cfg *config.Config) error {
	fl := lock.New(cfg.LockPath, cfg.Stanza, lock.KindArchive)
	ok, err := fl.TryLock()
	if err != nil {
		return errx.Wrap(errx.CodeLockAcquire, errx.CategoryFatalLocal, err)
	}
	if !ok {
		return nil
	}
	defer func() { _ = fl.Unlock() }()

	q, err := spool.New(cfg.SpoolPath, cfg.Stanza, spool.DirIn)
	if err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}
	pending, err := q.Pending()
	if err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}
	if len(pending) == 0 {
		return nil
	}

	workers := cfg.ProcessMax
	if workers < 1 {
		workers = 1
	}
	if workers > daemonWorkers {
		workers = daemonWorkers
	}
	if workers > len(pending) {
		workers = len(pending)
	}

	clients, err := spawnPushWorkers(ctx, cfg, workers)
	if err != nil {
		return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
	}
	process.KillChildrenOnCancel(ctx, childGrace)
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	idx := 0
	gen := func() (any, bool) {
		if idx >= len(pending) {
			return nil, false
		}
		segment := pending[idx]
		idx++
		return segment, true
	}

	exec := protocol.NewParallelExecutor(clients, "push-segment", 1)
	exec.Interval = time.Second
	for _, res := range exec.Run(ctx, gen) {
		segment, _ := res.Job.(string)
		if res.Err != nil {
			slog.Warn("archive-push async: segment failed", "segment", segment, "err", res.Err)
			_ = q.MarkError(segment, errx.Code(res.Err), res.Err.Error())
			continue
		}
		if err := q.MarkOK(segment); err != nil {
			slog.Error("archive-push async: failed to record ok status", "segment", segment, "err", err)
		}
	}
	return nil
}

// spawnPushWorkers starts n archive-push-worker child processes, each
// reconstructing its own config and storage.Storage from the forwarded
// stanza/config flags exactly as config.newSSHStorage's remote worker
// does over SSH — the daemon itself never opens a Storage, so a worker
// crash or a slow backend never touches the daemon's own memory.
func spawnPushWorkers(ctx context.Context, cfg *config.Config, n int) ([]*protocol.Client, error) {
	bin, err := os.Executable()
	if err != nil {
		bin = os.Args[0]
	}
	args := reExecArgs("archive-push-worker", "local", cfg)
	clients := make([]*protocol.Client, 0, n)
	for i := 0; i < n; i++ {
		c, err := protocol.Spawn(ctx, bin, args...)
		if err != nil {
			for _, existing := range clients {
				_ = existing.Close()
			}
			return nil, fmt.Errorf("archive-push: spawn worker %d: %w", i, err)
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// RunPushWorker runs the archive-push-worker role: a protocol.Server
// loop over stdin/stdout exposing a single push-segment command. It
// reads the queued payload straight off local disk (the spool is always
// local, never a repository backend — internal/spool's own doc comment)
// and pushes it through the same pushSync the synchronous archive-push
// path uses, against this process's own Storage.
func RunPushWorker(ctx context.Context, cfg *config.Config, store *storage.Storage) error {
	q, err := spool.New(cfg.SpoolPath, cfg.Stanza, spool.DirIn)
	if err != nil {
		return err
	}
	srv := protocol.NewServer(ioend.NewReadEndpoint(os.Stdin), ioend.NewWriteEndpoint(os.Stdout), nil)
	srv.Register("push-segment", func(c *protocol.Context, params []any) (any, error) {
		segment, _ := params[0].(string)
		data, err := q.ReadSegment(segment)
		if err != nil {
			return nil, err
		}
		tmp, err := os.CreateTemp("", "archive-push-worker-*")
		if err != nil {
			return nil, err
		}
		tmpPath := tmp.Name()
		defer func() { _ = os.Remove(tmpPath) }()
		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			return nil, err
		}
		if err := tmp.Close(); err != nil {
			return nil, err
		}
		if err := pushSync(c, store, cfg.Stanza, cfg.Repo, segment, tmpPath); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return srv.Serve(ctx)
}

// Package cli assembles the cobra command tree spec.md §6 describes:
// "<exe> [options] <command> [parameters]", one RunE per command
// delegating straight into the matching workflow package
// (internal/backup, internal/restore, internal/expirecmd, ...).
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/vbp1/pgbackrest-go/internal/archivecmd"
	"github.com/vbp1/pgbackrest-go/internal/backup"
	"github.com/vbp1/pgbackrest-go/internal/check"
	"github.com/vbp1/pgbackrest-go/internal/config"
	"github.com/vbp1/pgbackrest-go/internal/errx"
	"github.com/vbp1/pgbackrest-go/internal/expirecmd"
	"github.com/vbp1/pgbackrest-go/internal/infocmd"
	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/ioend"
	"github.com/vbp1/pgbackrest-go/internal/lock"
	"github.com/vbp1/pgbackrest-go/internal/log"
	"github.com/vbp1/pgbackrest-go/internal/pgctl"
	"github.com/vbp1/pgbackrest-go/internal/protocol"
	"github.com/vbp1/pgbackrest-go/internal/repocmd"
	"github.com/vbp1/pgbackrest-go/internal/restore"
	"github.com/vbp1/pgbackrest-go/internal/stanza"
	"github.com/vbp1/pgbackrest-go/internal/storage"
	"github.com/vbp1/pgbackrest-go/internal/storage/remotedrv"
	"github.com/vbp1/pgbackrest-go/internal/util/signalctx"
	"github.com/vbp1/pgbackrest-go/internal/verify"
)

// RoleSuffix records the ":async"/":local"/":remote" role the caller
// stripped off the command name (spec.md §6) before cobra parsed argv.
// archivecmd.spawnPushDaemon and spawnPushWorkers are the processes that
// actually set it, re-invoking this binary as
// "archive-push-daemon:async"/"archive-push-worker:local"; config's SSH
// worker spawn does the analogous thing with "server" over a remote
// shell. The suffix itself only feeds logging/diagnostics here — which
// code path runs is already selected by which command name it's
// attached to ("archive-push-daemon" vs "archive-push-worker" vs
// "server"), not by re-dispatching on the role string.
var RoleSuffix string

// RootCmd is the process entry point invoked from cmd/pgbackrest-go.
var RootCmd = &cobra.Command{
	Use:           "pgbackrest-go",
	Short:         "Backup, restore, and continuous WAL archiving for PostgreSQL",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debugLevel, _ := cmd.Flags().GetString("log-level-console")
		log.Setup(debugLevel == "debug", debugLevel == "info" || debugLevel == "detail")
		if RoleSuffix != "" {
			slog.Debug("process role", "role", RoleSuffix)
		}
	},
}

func init() {
	config.PersistentFlags(RootCmd)

	RootCmd.AddCommand(
		archivePushCmd(), archiveGetCmd(),
		backupCmd(), restoreCmd(), expireCmd(),
		infoCmd(), verifyCmd(), checkCmd(),
		stanzaCreateCmd(), stanzaUpgradeCmd(), stanzaDeleteCmd(),
		repoLsCmd(), repoGetCmd(), repoPutCmd(), repoRmCmd(),
		startCmd(), stopCmd(), serverCmd(),
		archivePushDaemonCmd(), archivePushWorkerCmd(),
	)
}

// Execute parses flags and runs the matched subcommand.
func Execute() error { return RootCmd.Execute() }

func stanzaFlag(cmd *cobra.Command) string {
	s, _ := cmd.Flags().GetString("stanza")
	return s
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd, stanzaFlag(cmd), cmd.Name())
	if err != nil {
		return nil, errx.Wrap(errx.CodeAssertion, errx.CategoryFatalLocal, err)
	}
	return cfg, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage.Storage, func() error, error) {
	store, closer, err := config.NewStorage(ctx, cfg.Repo)
	if err != nil {
		return nil, nil, errx.Wrap(errx.CodeUnknownFatal, errx.CategoryRetriableRemote, err)
	}
	if closer == nil {
		closer = func() error { return nil }
	}
	return store, closer, nil
}

func connectPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dsn := ""
	if cfg.PgHost != "" {
		dsn = fmt.Sprintf("postgres://%s@%s:%d/%s", cfg.PgUser, cfg.PgHost, cfg.PgPort, cfg.PgDatabase)
	}
	pool, err := pgctl.Connect(ctx, dsn, int32(cfg.ProcessMax))
	if err != nil {
		return nil, errx.Wrap(errx.CodeUnknownFatal, errx.CategoryRetriableRemote, fmt.Errorf("connect postgres: %w", err))
	}
	return pool, nil
}

// requireRunning refuses to proceed if `stop` has halted this stanza
// (or every stanza), per spec.md §6's start/stop command pair.
func requireRunning(cfg *config.Config) error {
	if lock.Stopped(cfg.LockPath, cfg.Stanza) {
		return errx.UserError(errx.CodeLockAcquire, "%s: stanza %q is stopped; run `start` first", cfg.Command, cfg.Stanza)
	}
	return nil
}

func withSignals() (context.Context, context.CancelFunc) {
	ctx, cancel, _ := signalctx.WithSignals(context.Background())
	return ctx, cancel
}

func archivePushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive-push <wal-path>",
		Short: "Push one WAL segment into the repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireRunning(cfg); err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			return archivecmd.Push(ctx, cfg, store, args[0])
		},
	}
}

func archiveGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive-get <wal-name> <dest-path>",
		Short: "Fetch one WAL segment from the repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			return archivecmd.Get(ctx, cfg, store, args[0], args[1])
		},
	}
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Take a full, differential, or incremental backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireRunning(cfg); err != nil {
				return err
			}
			typeFlag, _ := cmd.Flags().GetString("type")
			backupType, err := parseBackupType(typeFlag)
			if err != nil {
				return errx.UserError(errx.CodeAssertion, "backup: %v", err)
			}

			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			pool, err := connectPostgres(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return backup.Run(ctx, cfg, store, pool, backupType)
		},
	}
	cmd.Flags().String("type", "incr", "backup type: full|diff|incr")
	return cmd
}

func parseBackupType(s string) (infofile.BackupType, error) {
	switch s {
	case "full":
		return infofile.BackupTypeFull, nil
	case "diff":
		return infofile.BackupTypeDiff, nil
	case "incr", "":
		return infofile.BackupTypeIncr, nil
	default:
		return "", fmt.Errorf("unknown --type %q", s)
	}
}

func restoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore PGDATA from a backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireRunning(cfg); err != nil {
				return err
			}
			set, _ := cmd.Flags().GetString("set")

			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			return restore.Run(ctx, cfg, store, restore.Options{Label: set, Delta: cfg.Delta})
		},
	}
	cmd.Flags().String("set", "", "backup label to restore (default: latest)")
	return cmd
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Apply retention policy and prune unreferenced archived WAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireRunning(cfg); err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			result, err := expirecmd.Run(ctx, cfg, store)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d backup(s), pruned %d archive path(s)\n", len(result.ExpiredBackups), result.PrunedArchive)
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Report stanza backup/archive status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			set, _ := cmd.Flags().GetString("set")
			output, _ := cmd.Flags().GetString("output")

			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			reports, err := infocmd.Run(ctx, store, infocmd.Options{Stanza: cfg.Stanza, Set: set, Output: output})
			if err != nil {
				return err
			}
			if output == "json" {
				return infocmd.WriteJSON(cmd.OutOrStdout(), reports)
			}
			return infocmd.WriteText(cmd.OutOrStdout(), reports)
		},
	}
	cmd.Flags().String("set", "", "restrict the report to one backup label")
	cmd.Flags().String("output", "text", "report format: text|json")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash backup content against its manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			set, _ := cmd.Flags().GetString("set")

			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			results, err := verify.Run(ctx, cfg, store, verify.Options{Label: set})
			if err != nil {
				return err
			}
			return writeVerifyReport(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().String("set", "", "restrict verification to one backup label")
	return cmd
}

func writeVerifyReport(w io.Writer, results []verify.BackupResult) error {
	failed := false
	for _, r := range results {
		fmt.Fprintf(w, "backup %s: %d file(s) ok, %d issue(s)\n", r.Label, r.FilesOK, len(r.Issues))
		for _, issue := range r.Issues {
			failed = true
			fmt.Fprintf(w, "  %s: %s\n", issue.Path, issue.Reason)
		}
	}
	if failed {
		return errx.UserError(errx.CodeAssertion, "verify: one or more files failed verification")
	}
	return nil
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate stanza configuration reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			result, err := check.Run(ctx, cfg, store)
			if err != nil {
				return err
			}
			for _, item := range result.Items {
				status := "ok"
				if !item.OK {
					status = "FAILED: " + item.Detail
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", item.Name, status)
			}
			if !result.OK() {
				return errx.UserError(errx.CodeAssertion, "check: one or more checks failed")
			}
			return nil
		},
	}
}

func stanzaCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stanza-create",
		Short: "Provision a new stanza from the live cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			pool, err := connectPostgres(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return stanza.Create(ctx, store, cfg.LockPath, cfg.Stanza, pool)
		},
	}
}

func stanzaUpgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stanza-upgrade",
		Short: "Record a new PostgreSQL incarnation for an existing stanza",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			pool, err := connectPostgres(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return stanza.Upgrade(ctx, store, cfg.LockPath, cfg.Stanza, pool)
		},
	}
}

func stanzaDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stanza-delete",
		Short: "Remove a stanza's repository content",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			return stanza.Delete(ctx, store, cfg.LockPath, cfg.Stanza, force)
		},
	}
	cmd.Flags().Bool("force", false, "remove even if the stanza still has backups recorded")
	return cmd
}

func repoLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo-ls [path]",
		Short: "List a repository path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			detail, _ := cmd.Flags().GetBool("detail")
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			entries, err := repocmd.List(ctx, store, path, detail)
			if err != nil {
				return errx.Wrap(errx.CodeFileMissing, errx.CategoryFatalLocal, err)
			}
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(cmd.OutOrStdout(), "%s/\n", e.Name)
				} else if detail {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", e.Name, e.Size)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\n", e.Name)
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("detail", false, "also fetch object size")
	return cmd
}

func repoGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repo-get <repo-path> <dest-path>",
		Short: "Copy one repository object to a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			if err := repocmd.Get(ctx, store, args[0], args[1]); err != nil {
				return errx.Wrap(errx.CodeFileMissing, errx.CategoryFatalLocal, err)
			}
			return nil
		},
	}
}

func repoPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repo-put <src-path> <repo-path>",
		Short: "Copy a local file to the repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			if _, err := repocmd.Put(ctx, store, args[0], args[1]); err != nil {
				return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryRetriableRemote, err)
			}
			return nil
		},
	}
}

func repoRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo-rm <repo-path>",
		Short: "Remove a repository object or subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			recurse, _ := cmd.Flags().GetBool("recurse")
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			if err := repocmd.Remove(ctx, store, args[0], recurse); err != nil {
				return errx.Wrap(errx.CodeFileMissing, errx.CategoryFatalLocal, err)
			}
			return nil
		},
	}
	cmd.Flags().Bool("recurse", false, "remove a directory and everything under it")
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Clear a previously issued `stop` for this stanza",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := lock.RemoveStopFile(cfg.LockPath, cfg.Stanza); err != nil {
				return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
			}
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Halt pgbackrest-go activity for this stanza (or every stanza with no --stanza)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := lock.WriteStopFile(cfg.LockPath, cfg.Stanza); err != nil {
				return errx.Wrap(errx.CodeUnknownFatal, errx.CategoryFatalLocal, err)
			}
			return nil
		},
	}
}

// serverCmd implements the `server` role: a worker process spoken to
// over stdin/stdout via internal/protocol, the remote counterpart of a
// repo-type=ssh backend's local driver. It answers the storage commands
// a remotedrv.Driver sends (via remotedrv.Register, against this
// process's own repository driver) plus four repo-info/list/get/remove
// handlers that call storage directly — the remote side never needs
// manifest/info-file logic of its own, since the calling process builds
// manifests locally and only needs raw object I/O relayed across the
// SSH pipe.
func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "server",
		Short:  "Run as a remote repository worker over stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()

			srv := protocol.NewServer(ioend.NewReadEndpoint(os.Stdin), ioend.NewWriteEndpoint(os.Stdout), store)
			registerRepoHandlers(srv)
			remotedrv.Register(srv, store.Driver)
			return srv.Serve(ctx)
		},
	}
}

// archivePushDaemonCmd implements the "archive-push-daemon" role:
// archivecmd.Push's synchronous caller forks this as a detached child
// process once the spool has work (spec.md §4.8 step 1), and it exits
// once the backlog it saw at startup is drained. It never opens a
// Storage itself — all repository I/O happens in the worker children it
// spawns (spec.md §5's no-shared-memory rule between master and pool).
func archivePushDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "archive-push-daemon",
		Short:  "Drain the archive-push spool via a pool of worker processes",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			return archivecmd.RunPushDaemon(ctx, cfg)
		},
	}
}

// archivePushWorkerCmd implements the "archive-push-worker" role: a
// protocol.Server child spawned by archivePushDaemonCmd, speaking a
// single push-segment command over stdin/stdout against its own
// Storage.
func archivePushWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "archive-push-worker",
		Short:  "Run as an archive-push async worker over stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := withSignals()
			defer cancel()
			store, closer, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()
			return archivecmd.RunPushWorker(ctx, cfg, store)
		},
	}
}

func registerRepoHandlers(srv *protocol.Server) {
	storeOf := func(c *protocol.Context) *storage.Storage { return c.State.(*storage.Storage) }

	srv.Register("repo-info", func(c *protocol.Context, params []any) (any, error) {
		path, _ := params[0].(string)
		return storeOf(c).Info(c, path, storage.LevelDetail)
	})
	srv.Register("repo-list", func(c *protocol.Context, params []any) (any, error) {
		path, _ := params[0].(string)
		return storeOf(c).List(c, path, "", storage.LevelBasic)
	})
	srv.Register("repo-get", func(c *protocol.Context, params []any) (any, error) {
		path, _ := params[0].(string)
		return storeOf(c).GetAll(c, path)
	})
	srv.Register("repo-remove", func(c *protocol.Context, params []any) (any, error) {
		path, _ := params[0].(string)
		return nil, storeOf(c).Remove(c, path, false)
	})
}

// Command pgbackrest-go is the CLI entry point: backup, restore, and
// continuous WAL archiving for PostgreSQL (spec.md §6).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/vbp1/pgbackrest-go/internal/cli"
	"github.com/vbp1/pgbackrest-go/internal/errx"
)

// stripRoleSuffix splits a command name of the form "archive-push:async"
// into ("archive-push", "async") per spec.md §6's process-role suffix.
// The suffix never changes which code path a command takes — that's
// already selected by cfg.ArchiveAsync / cfg.Repo.Type / the "server"
// command itself — it only records which role invoked the process, for
// logging.
func stripRoleSuffix(args []string) (cleaned []string, role string) {
	cleaned = make([]string, len(args))
	copy(cleaned, args)
	for i, a := range cleaned {
		if i == 0 {
			continue // argv[0] is the binary path, not a command name
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		if name, suffix, ok := strings.Cut(a, ":"); ok {
			cleaned[i] = name
			role = suffix
		}
		break
	}
	return cleaned, role
}

// commandName returns the subcommand argv names it (skipping argv[0] and any
// leading flags), for the "<command> command end: ..." line spec.md §7
// requires — cli.Execute resolves the actual cobra.Command itself, but by
// the time it returns there's no handle left to ask, so main tracks the name
// the same simple way stripRoleSuffix already scans argv.
func commandName(args []string) string {
	for _, a := range args[1:] {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return "pgbackrest-go"
}

func main() {
	args, role := stripRoleSuffix(os.Args)
	os.Args = args
	cli.RoleSuffix = role

	command := commandName(args)
	start := time.Now()
	err := cli.Execute()
	elapsed := time.Since(start)

	if err != nil {
		if e, ok := errx.As(err); ok && e.Stack != "" {
			slog.Debug(command+" command stack", "stack", e.Stack)
		}
		slog.Error(fmt.Sprintf("%s command end: aborted with exception [%d]", command, errx.Code(err)))
		fmt.Fprintln(os.Stderr, "ERROR: "+err.Error())
		os.Exit(errx.Code(err))
	}
	slog.Info(fmt.Sprintf("%s command end: completed successfully (%dms)", command, elapsed.Milliseconds()))
}

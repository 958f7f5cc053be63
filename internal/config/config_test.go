package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	PersistentFlags(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags(%v): %v", args, err)
	}
	return cmd
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pgbackrest.conf")
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cmd := newTestCommand(t)
	cfg, err := Load(cmd, "main", "backup")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PgPort != 5432 {
		t.Fatalf("PgPort = %d, want default 5432", cfg.PgPort)
	}
	if cfg.CompressType != "gz" || cfg.CompressLevel != 6 {
		t.Fatalf("compression defaults = %q/%d", cfg.CompressType, cfg.CompressLevel)
	}
	if cfg.ArchiveTimeout != 60*time.Second {
		t.Fatalf("ArchiveTimeout = %v, want 60s", cfg.ArchiveTimeout)
	}
	if cfg.Repo.Type != RepoPosix {
		t.Fatalf("Repo.Type = %q, want posix", cfg.Repo.Type)
	}
	if cfg.Repo.CompressType != cfg.CompressType {
		t.Fatalf("Repo.CompressType = %q, not mirrored from %q", cfg.Repo.CompressType, cfg.CompressType)
	}
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("PGBACKREST_PG_PORT", "5433")
	t.Setenv("PGBACKREST_ARCHIVE_ASYNC", "true")

	cfg, err := Load(newTestCommand(t), "main", "archive-push")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PgPort != 5433 {
		t.Fatalf("PgPort = %d, want env-supplied 5433", cfg.PgPort)
	}
	if !cfg.ArchiveAsync {
		t.Fatalf("ArchiveAsync should come from the environment")
	}
}

func TestFileOverridesEnv(t *testing.T) {
	path := writeConfigFile(t, "[global]\npg-port=5440\n")
	t.Setenv("PGBACKREST_CONFIG", path)
	t.Setenv("PGBACKREST_PG_PORT", "5433")

	cfg, err := Load(newTestCommand(t), "main", "backup")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PgPort != 5440 {
		t.Fatalf("PgPort = %d, want file-supplied 5440 over env", cfg.PgPort)
	}
}

func TestFlagOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "[global]\npg-port=5440\n")
	t.Setenv("PGBACKREST_CONFIG", path)

	cfg, err := Load(newTestCommand(t, "--pg-port=5450"), "main", "backup")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PgPort != 5450 {
		t.Fatalf("PgPort = %d, want flag-supplied 5450 over file", cfg.PgPort)
	}
}

func TestFileSectionPrecedence(t *testing.T) {
	path := writeConfigFile(t, `[global]
compress-type=none
[main]
compress-type=gz
[global:backup]
compress-type=lz4
[main:backup]
compress-level=9
`)
	t.Setenv("PGBACKREST_CONFIG", path)

	cfg, err := Load(newTestCommand(t), "main", "backup")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// [global:backup] beats [main] for compress-type; [main:backup] is
	// the most specific section and wins for compress-level.
	if cfg.CompressType != "lz4" {
		t.Fatalf("CompressType = %q, want lz4 from [global:backup]", cfg.CompressType)
	}
	if cfg.CompressLevel != 9 {
		t.Fatalf("CompressLevel = %d, want 9 from [main:backup]", cfg.CompressLevel)
	}

	// A different command never sees the :backup sections.
	cfg, err = Load(newTestCommand(t), "main", "restore")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CompressType != "gz" {
		t.Fatalf("CompressType = %q, want gz from [main]", cfg.CompressType)
	}
}

func TestDurationAcceptsMillisecondsAndSuffix(t *testing.T) {
	path := writeConfigFile(t, "[global]\narchive-timeout=1500\n")
	t.Setenv("PGBACKREST_CONFIG", path)

	cfg, err := Load(newTestCommand(t), "main", "archive-push")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ArchiveTimeout != 1500*time.Millisecond {
		t.Fatalf("ArchiveTimeout = %v, want 1.5s from bare millisecond value", cfg.ArchiveTimeout)
	}

	cfg, err = Load(newTestCommand(t, "--archive-timeout=90s"), "main", "archive-push")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ArchiveTimeout != 90*time.Second {
		t.Fatalf("ArchiveTimeout = %v, want 90s from flag", cfg.ArchiveTimeout)
	}
}

// Package pgctl talks to a live PostgreSQL cluster over libpq/pgx and
// exposes the small set of facts the rest of this engine needs: server
// version, system identifier, WAL segment size, tablespace locations, and
// the pg_backup_start/pg_backup_stop protocol. Parsing pg_control itself is
// out of scope (spec.md §1 names it an external collaborator); ControlInfo
// is instead populated from the live connection's own introspection
// functions, which report the same facts without needing to touch the
// control file's binary layout.
package pgctl

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect establishes a pgx pool. If dsn is empty, it is built from libpq-compatible
// environment variables (PGHOST, PGPORT, PGUSER, PGPASSWORD, PGDATABASE).
// maxConns=0 uses pgx default.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	if dsn == "" {
		host := os.Getenv("PGHOST")
		if host == "" {
			host = "localhost"
		}
		port := os.Getenv("PGPORT")
		if port == "" {
			port = "5432"
		}
		user := os.Getenv("PGUSER")
		if user == "" {
			user = os.Getenv("USER")
		}
		db := os.Getenv("PGDATABASE")
		if db == "" {
			db = "postgres"
		}
		dsn = fmt.Sprintf("postgres://%s@%s:%s/%s", user, host, port, db)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureVersion15Plus checks that server_version_num >= 150000.
func EnsureVersion15Plus(ctx context.Context, pool *pgxpool.Pool) error {
	var verStr string
	if err := pool.QueryRow(ctx, "SHOW server_version_num").Scan(&verStr); err != nil {
		return fmt.Errorf("query version: %w", err)
	}
	verNum, err := strconv.Atoi(verStr)
	if err != nil {
		return fmt.Errorf("parse version_num %s: %w", verStr, err)
	}
	if verNum < 150000 {
		return fmt.Errorf("PostgreSQL >= 15 required, server reports %s", verStr)
	}
	return nil
}

// Tablespace represents OID->location mapping.
type Tablespace struct {
	Oid      uint32
	Location string
}

// ListTablespaces returns OID/location for each user tablespace (excluding pg_default/global).
func ListTablespaces(ctx context.Context, pool *pgxpool.Pool) ([]Tablespace, error) {
	const q = `SELECT oid, pg_tablespace_location(oid)
              FROM pg_tablespace
              WHERE spcname NOT IN ('pg_default','pg_global')`
	rows, err := pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Tablespace
	for rows.Next() {
		var t Tablespace
		if err := rows.Scan(&t.Oid, &t.Location); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ControlInfo carries the subset of pg_control's contents this engine
// consumes. Values are obtained from a live connection's introspection
// functions rather than by parsing the control file directly.
type ControlInfo struct {
	SystemID        uint64
	Version         string // server_version
	CatalogVersion  int32  // pg_catalog.pg_control_system().catalog_version_no
	ControlVersion  int32  // pg_control_version
	WalSegmentBytes int64
}

// ReadControlInfo queries the live cluster for the facts stanza-create and
// stanza-upgrade need to record a new PostgreSQL history entry (spec.md §3).
func ReadControlInfo(ctx context.Context, pool *pgxpool.Pool) (ControlInfo, error) {
	var ci ControlInfo
	err := pool.QueryRow(ctx, `SELECT system_identifier, pg_control_version, catalog_version_no
		FROM pg_control_system()`).Scan(&ci.SystemID, &ci.ControlVersion, &ci.CatalogVersion)
	if err != nil {
		return ControlInfo{}, fmt.Errorf("pg_control_system: %w", err)
	}
	if err := pool.QueryRow(ctx, "SHOW server_version").Scan(&ci.Version); err != nil {
		return ControlInfo{}, fmt.Errorf("server_version: %w", err)
	}
	var segStr string
	if err := pool.QueryRow(ctx, "SHOW wal_segment_size").Scan(&segStr); err != nil {
		return ControlInfo{}, fmt.Errorf("wal_segment_size: %w", err)
	}
	n, err := parseSizeSetting(segStr)
	if err != nil {
		return ControlInfo{}, fmt.Errorf("parse wal_segment_size %q: %w", segStr, err)
	}
	ci.WalSegmentBytes = n
	return ci, nil
}

// parseSizeSetting parses a GUC value like "16MB" into bytes.
func parseSizeSetting(s string) (int64, error) {
	var n int64
	var unit string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &unit); err != nil {
		// plain integer, already in the GUC's native unit (blocks for wal_segment_size pre-11)
		if v, err2 := strconv.ParseInt(s, 10, 64); err2 == nil {
			return v, nil
		}
		return 0, err
	}
	switch unit {
	case "kB":
		return n * 1024, nil
	case "MB":
		return n * 1024 * 1024, nil
	case "GB":
		return n * 1024 * 1024 * 1024, nil
	default:
		return n, nil
	}
}

// PrettyBytes converts bytes to human-readable IEC units similar to pg_size_pretty.
func PrettyBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d bytes", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	value := float64(b) / float64(div)
	suffix := []string{"kB", "MB", "GB", "TB", "PB", "EB"}[exp]
	return fmt.Sprintf("%.2f %s", value, suffix)
}

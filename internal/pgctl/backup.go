package pgctl

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// queryer is the one method pgctl's backup-control helpers need off a
// *pgxpool.Pool, pulled out so tests can drive them against a pgxmock pool
// instead of a live cluster.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BackupStartResult is what pg_backup_start returns plus the label we asked for.
type BackupStartResult struct {
	Label   string
	LSN     string
	WalFile string
}

// BackupStart calls pg_backup_start(label, fast) and resolves the starting
// WAL file name for the returned LSN.
func BackupStart(ctx context.Context, pool queryer, label string, fast bool) (BackupStartResult, error) {
	var lsn string
	if err := pool.QueryRow(ctx, `SELECT pg_backup_start($1, $2)`, label, fast).Scan(&lsn); err != nil {
		return BackupStartResult{}, fmt.Errorf("pg_backup_start: %w", err)
	}
	var walFile string
	if err := pool.QueryRow(ctx, `SELECT pg_walfile_name($1)`, lsn).Scan(&walFile); err != nil {
		return BackupStartResult{}, fmt.Errorf("pg_walfile_name: %w", err)
	}
	return BackupStartResult{Label: label, LSN: lsn, WalFile: walFile}, nil
}

// BackupStopResult is what pg_backup_stop returns, with the label/map files decoded.
type BackupStopResult struct {
	LSN        string
	WalFile    string
	LabelFile  []byte
	SpcMapFile []byte
	HasSpcMap  bool
}

// BackupStop calls pg_backup_stop(wait_for_archive) and decodes the
// base64-encoded backup_label/tablespace_map payloads it returns.
func BackupStop(ctx context.Context, pool queryer, waitForArchive bool) (BackupStopResult, error) {
	var lsn, labelB64, mapB64 string
	err := pool.QueryRow(ctx, `SELECT lsn,
          translate(encode(labelfile::bytea,  'base64'), E'\n', ''),
          translate(encode(spcmapfile::bytea, 'base64'), E'\n', '')
          FROM pg_backup_stop($1)`, waitForArchive).Scan(&lsn, &labelB64, &mapB64)
	if err != nil {
		return BackupStopResult{}, fmt.Errorf("pg_backup_stop: %w", err)
	}
	labelBytes, err := base64.StdEncoding.DecodeString(labelB64)
	if err != nil {
		return BackupStopResult{}, fmt.Errorf("decode backup_label: %w", err)
	}
	var mapBytes []byte
	hasMap := mapB64 != ""
	if hasMap {
		mapBytes, err = base64.StdEncoding.DecodeString(mapB64)
		if err != nil {
			return BackupStopResult{}, fmt.Errorf("decode tablespace_map: %w", err)
		}
	}
	var walFile string
	if err := pool.QueryRow(ctx, `SELECT pg_walfile_name($1)`, lsn).Scan(&walFile); err != nil {
		return BackupStopResult{}, fmt.Errorf("pg_walfile_name: %w", err)
	}
	return BackupStopResult{LSN: lsn, WalFile: walFile, LabelFile: labelBytes, SpcMapFile: mapBytes, HasSpcMap: hasMap}, nil
}

// SwitchWal forces a WAL segment switch and returns the new file name. It
// has no caller in this tree.
func SwitchWal(ctx context.Context, pool queryer) (string, error) {
	var lsn string
	if err := pool.QueryRow(ctx, `SELECT pg_switch_wal()`).Scan(&lsn); err != nil {
		return "", fmt.Errorf("pg_switch_wal: %w", err)
	}
	var walFile string
	if err := pool.QueryRow(ctx, `SELECT pg_walfile_name($1)`, lsn).Scan(&walFile); err != nil {
		return "", fmt.Errorf("pg_walfile_name: %w", err)
	}
	return walFile, nil
}

package pgctl

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// RowHandler is invoked once per row; data holds the column values as []any.
// Returning an error stops iteration and propagates it to the caller.
type RowHandler func(data []any) error

// Queryer is the minimal subset of pgxpool.Pool needed for streaming.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// StreamRows runs a query and feeds each row to handler without buffering
// the whole result set in memory. colsExpected, if nonzero, is only used to
// warn on a column-count mismatch.
func StreamRows(ctx context.Context, q Queryer, sql string, args []any, colsExpected int, handler RowHandler) error {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		if colsExpected > 0 && len(vals) != colsExpected {
			slog.Warn("stream: columns mismatch", "have", len(vals), "want", colsExpected)
		}
		if err := handler(vals); err != nil {
			return err
		}
	}
	return rows.Err()
}

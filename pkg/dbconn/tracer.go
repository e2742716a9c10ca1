package dbconn

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/tenantdb/logger"
)

type traceKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

// QueryTracer logs every statement at debug level.
type QueryTracer struct{}

func (QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{sql: data.SQL, start: time.Now()})
}

func (QueryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	ts, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	args := []any{"component", "DB", "sql", ts.sql, "duration", time.Since(ts.start), "pid", conn.PgConn().PID()}
	if data.Err != nil {
		args = append(args, "error", data.Err)
	} else {
		args = append(args, "tag", data.CommandTag.String())
	}
	logger.Debug("SQL", args...)
}

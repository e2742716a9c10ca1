// Package db holds the SQL of the control database and of the per-tenant
// replication counter.
//
// Control database queries run on connections checked out from the two
// reserved control-plane pools, so the control database is pooled, reaped
// and hot-swapped like any other endpoint.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/pkg/dbconn"
	"github.com/migadu/tenantdb/pkg/metrics"
	"github.com/migadu/tenantdb/pkg/pool"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Pools hands out pool handles by id. *registry.Registry implements it.
type Pools interface {
	Checkout(ctx context.Context, poolID int, noTimeout bool) (*pool.Handle, error)
	Checkin(ctx context.Context, h *pool.Handle)
}

type Options struct {
	// ReadPool routes read-only queries to the control replica pool.
	ReadPool bool
	// QueryTimeout bounds every control database operation. Zero disables it.
	QueryTimeout time.Duration
}

type Database struct {
	pools        Pools
	readPool     bool
	queryTimeout time.Duration
}

func NewDatabase(pools Pools, opts Options) *Database {
	return &Database{
		pools:        pools,
		readPool:     opts.ReadPool,
		queryTimeout: opts.QueryTimeout,
	}
}

// readPoolID returns the pool for read-only queries. Requests pinned to the
// master through consts.UseMasterDBKey read from the write pool.
func (d *Database) readPoolID(ctx context.Context) int {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return consts.ControlWritePoolID
	}
	if d.readPool {
		return consts.ControlReadPoolID
	}
	return consts.ControlWritePoolID
}

// withConn runs fn on a control database connection and records the query
// metrics under op.
func (d *Database) withConn(ctx context.Context, write bool, op string, fn func(ctx context.Context, conn *pgx.Conn) error) error {
	if d.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.queryTimeout)
		defer cancel()
	}

	poolID := consts.ControlWritePoolID
	if !write {
		poolID = d.readPoolID(ctx)
	}

	h, err := d.pools.Checkout(ctx, poolID, false)
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(op, "unavailable").Inc()
		return fmt.Errorf("%s: %w: %w", op, consts.ErrStorage, err)
	}
	defer d.pools.Checkin(ctx, h)

	c, err := dbconn.FromHandle(h)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, consts.ErrStorage, err)
	}

	start := time.Now()
	err = fn(ctx, c.Pgx())
	metrics.DBQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(op, "error").Inc()
		return wrapStorage(op, err)
	}
	metrics.DBQueriesTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// withTx runs fn inside a transaction on the control write pool.
func (d *Database) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return d.withConn(ctx, true, op, func(ctx context.Context, conn *pgx.Conn) error {
		return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			return fn(ctx, tx)
		})
	})
}

// wrapStorage tags err as a storage error unless it already carries a more
// specific sentinel.
func wrapStorage(op string, err error) error {
	if errors.Is(err, consts.ErrAssignmentNotFound) || errors.Is(err, ErrPoolNotFound) ||
		errors.Is(err, ErrClusterNotFound) || errors.Is(err, consts.ErrStorage) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, consts.ErrStorage, err)
}

// Ping checks the control write pool and, when configured, the read pool.
func (d *Database) Ping(ctx context.Context, write bool) error {
	return d.withConn(ctx, write, "ping", func(ctx context.Context, conn *pgx.Conn) error {
		return conn.Ping(ctx)
	})
}

// Package replication routes tenant requests to the write node or the read
// replica of their cluster.
//
// Replica lag is detected with a per-tenant transaction counter kept in the
// tenant schema. Every genuine write increments it on the write node and the
// router remembers the value it read back. A read may use the replica only
// when the replica's counter has caught up with the remembered value;
// otherwise the read is served by the write node. The remembered value only
// ever lags the durable one, so a missed increment costs an extra trip to
// the master, never a stale read.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/assignment"
	"github.com/migadu/tenantdb/pkg/metrics"
	"github.com/migadu/tenantdb/pkg/pool"
)

const (
	defaultCounterLogInterval = 5 * time.Minute
	defaultBookkeepingTimeout = 5 * time.Second
)

// PoolSource hands out handles by pool id. *registry.Registry implements it.
type PoolSource interface {
	Checkout(ctx context.Context, poolID int, noTimeout bool) (*pool.Handle, error)
	Checkin(ctx context.Context, h *pool.Handle)
}

// CounterStore reads and increments the replication counter of a tenant
// through an acquired handle. The handle's schema is already selected.
type CounterStore interface {
	// ReadCounter returns 0 when the tenant has no counter row yet.
	ReadCounter(ctx context.Context, h *pool.Handle, tenantID int) (int64, error)
	// IncrementCounter atomically increments and returns the new value.
	IncrementCounter(ctx context.Context, h *pool.Handle, tenantID int) (int64, error)
}

// SchemaSelector switches the schema of a connection.
type SchemaSelector interface {
	SelectSchema(ctx context.Context, h *pool.Handle, schema string) error
}

type Options struct {
	// MaxAttempts bounds the re-entries of one acquire. Defaults to
	// consts.DefaultRouterMaxAttempts.
	MaxAttempts int
	// CounterLogInterval throttles the counter failure log line.
	CounterLogInterval time.Duration
	// BookkeepingTimeout bounds counter reads and increments on release.
	BookkeepingTimeout time.Duration
}

// Stats are the process-wide routing counters.
type Stats struct {
	Master          uint64 `json:"master"`
	Replica         uint64 `json:"replica"`
	MasterFallback  uint64 `json:"master_instead_of_replica"`
	CounterFailures uint64 `json:"counter_failures"`
}

// Lease is a routed handle. Release it exactly once.
type Lease struct {
	handle       *pool.Handle
	poolID       int
	write        bool
	readFallback bool
	noTimeout    bool
	assignment   *assignment.Assignment
	released     atomic.Bool
}

func (l *Lease) Handle() *pool.Handle { return l.handle }
func (l *Lease) PoolID() int          { return l.poolID }
func (l *Lease) NoTimeout() bool      { return l.noTimeout }

// ReadFallback reports whether a read that wanted the replica was served by the write pool.
func (l *Lease) ReadFallback() bool { return l.readFallback }

// Assignment returns the routed assignment, nil for direct pool leases.
func (l *Lease) Assignment() *assignment.Assignment { return l.assignment }

// Router implements the acquire and release protocol.
type Router struct {
	pools    PoolSource
	counters CounterStore
	schemas  SchemaSelector

	maxAttempts        int
	bookkeepingTimeout time.Duration

	master          atomic.Uint64
	replica         atomic.Uint64
	fallback        atomic.Uint64
	counterFailures atomic.Uint64

	counterLog rate.Sometimes
}

func NewRouter(pools PoolSource, counters CounterStore, schemas SchemaSelector, opts Options) *Router {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = consts.DefaultRouterMaxAttempts
	}
	if opts.CounterLogInterval <= 0 {
		opts.CounterLogInterval = defaultCounterLogInterval
	}
	if opts.BookkeepingTimeout <= 0 {
		opts.BookkeepingTimeout = defaultBookkeepingTimeout
	}
	return &Router{
		pools:              pools,
		counters:           counters,
		schemas:            schemas,
		maxAttempts:        opts.MaxAttempts,
		bookkeepingTimeout: opts.BookkeepingTimeout,
		counterLog:         rate.Sometimes{Interval: opts.CounterLogInterval},
	}
}

// Acquire returns a handle for the tenant described by a, with its schema
// selected. Reads go to the replica when it is known to be current.
func (r *Router) Acquire(ctx context.Context, a *assignment.Assignment, wantsWrite, noTimeout bool) (*Lease, error) {
	if a == nil {
		return nil, errors.New("acquire without assignment")
	}
	if wantsWrite || !a.HasReplica() {
		return r.acquireMaster(ctx, a, wantsWrite, noTimeout)
	}
	if useMaster, _ := ctx.Value(consts.UseMasterDBKey).(bool); useMaster {
		return r.acquireMaster(ctx, a, false, noTimeout)
	}
	return r.acquireRead(ctx, a, noTimeout)
}

// AcquirePool checks out a handle from poolID directly and selects schema
// when it is not empty. No counter bookkeeping happens for such leases.
func (r *Router) AcquirePool(ctx context.Context, poolID int, schema string, noTimeout bool) (*Lease, error) {
	h, err := r.checkout(ctx, poolID, noTimeout)
	if err != nil {
		return nil, err
	}
	if schema != "" {
		if err := r.selectSchema(ctx, h, schema); err != nil {
			return nil, err
		}
	}
	return &Lease{handle: h, poolID: poolID, noTimeout: noTimeout}, nil
}

func (r *Router) acquireMaster(ctx context.Context, a *assignment.Assignment, write, noTimeout bool) (*Lease, error) {
	h, err := r.checkout(ctx, a.WritePoolID(), noTimeout)
	if err != nil {
		return nil, err
	}
	if err := r.selectSchema(ctx, h, a.Schema()); err != nil {
		return nil, err
	}
	r.countMaster()
	return &Lease{handle: h, poolID: a.WritePoolID(), write: write, noTimeout: noTimeout, assignment: a}, nil
}

func (r *Router) acquireRead(ctx context.Context, a *assignment.Assignment, noTimeout bool) (*Lease, error) {
	for attempt := 1; ; attempt++ {
		h, err := r.checkout(ctx, a.ReadPoolID(), noTimeout)
		if err != nil {
			logger.Debug("Replica checkout failed, using master", "component", "ROUTER",
				"tenant_id", a.TenantID(), "pool_id", a.ReadPoolID(), "error", err)
			return r.fallBack(ctx, a, noTimeout)
		}

		if err := r.selectSchema(ctx, h, a.Schema()); err != nil {
			return nil, err
		}

		want, known := a.TransactionCounter()
		if !known {
			return r.replicaLease(h, a, noTimeout), nil
		}

		got, err := r.counters.ReadCounter(ctx, h, a.TenantID())
		if err != nil {
			r.pools.Checkin(ctx, h)
			r.counterFailed("read", a, err)
			if attempt >= r.maxAttempts || ctx.Err() != nil {
				// Unknown replica state: prefer correctness over load spreading.
				return r.fallBack(ctx, a, noTimeout)
			}
			metrics.RouterRetries.Inc()
			continue
		}

		if got >= want {
			return r.replicaLease(h, a, noTimeout), nil
		}

		logger.Debug("Replica behind, using master", "component", "ROUTER", "tenant_id", a.TenantID(),
			"pool_id", a.ReadPoolID(), "replica_counter", got, "expected_counter", want)
		r.pools.Checkin(ctx, h)
		return r.fallBack(ctx, a, noTimeout)
	}
}

func (r *Router) replicaLease(h *pool.Handle, a *assignment.Assignment, noTimeout bool) *Lease {
	r.replica.Add(1)
	metrics.RouterAcquisitions.WithLabelValues("replica").Inc()
	return &Lease{handle: h, poolID: a.ReadPoolID(), noTimeout: noTimeout, assignment: a}
}

func (r *Router) fallBack(ctx context.Context, a *assignment.Assignment, noTimeout bool) (*Lease, error) {
	l, err := r.acquireMaster(ctx, a, false, noTimeout)
	if err != nil {
		return nil, err
	}
	l.readFallback = true
	r.fallback.Add(1)
	metrics.RouterAcquisitions.WithLabelValues("master_fallback").Inc()
	return l, nil
}

// checkout re-enters the registry while the pool it got was closed
// underneath it, which happens when the reaper or a reload raced us.
func (r *Router) checkout(ctx context.Context, poolID int, noTimeout bool) (*pool.Handle, error) {
	for attempt := 1; ; attempt++ {
		h, err := r.pools.Checkout(ctx, poolID, noTimeout)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, consts.ErrPoolClosed) || attempt >= r.maxAttempts || ctx.Err() != nil {
			return nil, err
		}
		metrics.RouterRetries.Inc()
		logger.Debug("Pool closed during checkout, retrying", "component", "ROUTER", "pool_id", poolID,
			"attempt", attempt)
	}
}

func (r *Router) selectSchema(ctx context.Context, h *pool.Handle, schema string) error {
	if h.Schema() == schema {
		return nil
	}
	if err := r.schemas.SelectSchema(ctx, h, schema); err != nil {
		h.SetSchema("")
		r.pools.Checkin(ctx, h)
		return fmt.Errorf("select schema %s on pool %d: %w: %w", schema, h.PoolID(), consts.ErrSchemaSwitchFailed, err)
	}
	h.SetSchema(schema)
	return nil
}

func (r *Router) countMaster() {
	r.master.Add(1)
	metrics.RouterAcquisitions.WithLabelValues("master").Inc()
}

// Release returns the lease's handle to its pool. wasWrite is false when a
// handle acquired for writing was only used for reading. A genuine write on
// a replicated tenant increments the transaction counter first. Counter
// failures are logged and never surface.
func (r *Router) Release(ctx context.Context, l *Lease, wasWrite bool) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}

	if a := l.assignment; a != nil && a.HasReplica() && l.poolID == a.WritePoolID() {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.bookkeepingTimeout)
		if wasWrite && l.write && !l.readFallback {
			r.increment(bctx, l.handle, a)
		} else if _, known := a.TransactionCounter(); !known {
			r.remember(bctx, l.handle, a)
		}
		cancel()
	}

	r.pools.Checkin(ctx, l.handle)
}

func (r *Router) increment(ctx context.Context, h *pool.Handle, a *assignment.Assignment) {
	v, err := r.counters.IncrementCounter(ctx, h, a.TenantID())
	if err != nil {
		r.counterFailed("increment", a, err)
		return
	}
	a.SetTransactionCounter(v)
}

func (r *Router) remember(ctx context.Context, h *pool.Handle, a *assignment.Assignment) {
	v, err := r.counters.ReadCounter(ctx, h, a.TenantID())
	if err != nil {
		r.counterFailed("read", a, err)
		return
	}
	a.SetTransactionCounter(v)
}

func (r *Router) counterFailed(op string, a *assignment.Assignment, err error) {
	r.counterFailures.Add(1)
	metrics.RouterCounterFailures.WithLabelValues(op).Inc()
	r.counterLog.Do(func() {
		logger.Warn("Replication counter operation failed", "component", "ROUTER", "operation", op,
			"tenant_id", a.TenantID(), "schema", a.Schema(), "error", err)
	})
}

func (r *Router) Stats() Stats {
	return Stats{
		Master:          r.master.Load(),
		Replica:         r.replica.Load(),
		MasterFallback:  r.fallback.Load(),
		CounterFailures: r.counterFailures.Load(),
	}
}

package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/pkg/assignment"
	"github.com/migadu/tenantdb/pkg/metrics"
	"github.com/migadu/tenantdb/pkg/pool"
	"github.com/migadu/tenantdb/pkg/registry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	writePool = 1
	readPool  = 2
)

type fakeConn struct{}

func (fakeConn) Close(context.Context) error { return nil }

type fakeLifecycle struct{}

func (fakeLifecycle) Create(context.Context, pool.Endpoint) (pool.Conn, error) {
	return fakeConn{}, nil
}

func (fakeLifecycle) Activate(context.Context, *pool.Handle) error   { return nil }
func (fakeLifecycle) Deactivate(context.Context, *pool.Handle) error { return nil }
func (fakeLifecycle) Validate(context.Context, *pool.Handle) error   { return nil }
func (fakeLifecycle) Destroy(context.Context, *pool.Handle)          {}

// fakeCounters keeps one counter per pool, standing in for the write node
// and a lagging replica.
type fakeCounters struct {
	mu        sync.Mutex
	values    map[int]int64
	readErrs  int // fail this many reads
	incErr    error
	reads     int
	increases int
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{values: map[int]int64{}}
}

func (c *fakeCounters) set(poolID int, v int64) {
	c.mu.Lock()
	c.values[poolID] = v
	c.mu.Unlock()
}

func (c *fakeCounters) ReadCounter(_ context.Context, h *pool.Handle, _ int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.readErrs > 0 {
		c.readErrs--
		return 0, fmt.Errorf("read counter: %w", consts.ErrStorage)
	}
	return c.values[h.PoolID()], nil
}

func (c *fakeCounters) IncrementCounter(_ context.Context, h *pool.Handle, _ int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.incErr != nil {
		return 0, c.incErr
	}
	c.increases++
	c.values[h.PoolID()]++
	return c.values[h.PoolID()], nil
}

type fakeSchemas struct {
	mu       sync.Mutex
	switches []string
	fail     bool
}

func (s *fakeSchemas) SelectSchema(_ context.Context, _ *pool.Handle, schema string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("schema does not exist")
	}
	s.switches = append(s.switches, schema)
	return nil
}

type fixture struct {
	reg      *registry.Registry
	counters *fakeCounters
	schemas  *fakeSchemas
	router   *Router
}

func newFixture(t *testing.T, readLimits pool.Limits) *fixture {
	t.Helper()
	reg := registry.New(registry.Options{})
	builder := registry.Builder{Lifecycle: fakeLifecycle{}}
	reg.AddFactory(registry.NewStaticFactory(registry.Tenant, builder, map[int]registry.Definition{
		writePool: {Endpoint: pool.Endpoint{URL: "postgres://master/ctx"}, Limits: pool.Limits{MaxSize: 4}},
		readPool:  {Endpoint: pool.Endpoint{URL: "postgres://replica/ctx"}, Limits: readLimits},
	}))
	t.Cleanup(func() { reg.Close(context.Background()) })

	f := &fixture{reg: reg, counters: newFakeCounters(), schemas: &fakeSchemas{}}
	f.router = NewRouter(reg, f.counters, f.schemas, Options{})
	return f
}

func (f *fixture) stats(t *testing.T, poolID int) pool.Stats {
	t.Helper()
	p, err := f.reg.Get(context.Background(), poolID)
	require.NoError(t, err)
	return p.Stats()
}

func tenant42() *assignment.Assignment {
	return assignment.New(42, 1, readPool, writePool, "ctx_7")
}

func TestTenant42WriteThenRead(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	ctx := context.Background()
	a := tenant42()
	f.counters.set(writePool, 16)

	// First write goes to the master and switches the schema.
	l, err := f.router.Acquire(ctx, a, true, false)
	require.NoError(t, err)
	assert.Equal(t, writePool, l.PoolID())
	assert.False(t, l.ReadFallback())
	assert.Equal(t, "ctx_7", l.Handle().Schema())
	f.router.Release(ctx, l, true)

	v, known := a.TransactionCounter()
	require.True(t, known)
	assert.Equal(t, int64(17), v)

	// Replica caught up.
	f.counters.set(readPool, 17)
	l, err = f.router.Acquire(ctx, a, false, false)
	require.NoError(t, err)
	assert.Equal(t, readPool, l.PoolID())
	f.router.Release(ctx, l, false)

	// Replica one behind.
	f.counters.set(readPool, 16)
	before := f.router.Stats().MasterFallback
	l, err = f.router.Acquire(ctx, a, false, false)
	require.NoError(t, err)
	assert.Equal(t, writePool, l.PoolID())
	assert.True(t, l.ReadFallback())
	assert.Equal(t, before+1, f.router.Stats().MasterFallback)
	f.router.Release(ctx, l, true)

	v, _ = a.TransactionCounter()
	assert.Equal(t, int64(17), v, "a read fallback never increments")

	stats := f.router.Stats()
	assert.Equal(t, uint64(2), stats.Master)
	assert.Equal(t, uint64(1), stats.Replica)
}

func TestStaleReplicaFallsBackToMaster(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	ctx := context.Background()
	a := tenant42()
	a.SetTransactionCounter(5)
	f.counters.set(readPool, 4)

	fallbackMetric := metrics.RouterAcquisitions.WithLabelValues("master_fallback")
	metricBefore := testutil.ToFloat64(fallbackMetric)
	before := f.router.Stats().MasterFallback

	l, err := f.router.Acquire(ctx, a, false, false)
	require.NoError(t, err)
	assert.Equal(t, writePool, l.PoolID())
	assert.Equal(t, before+1, f.router.Stats().MasterFallback)
	assert.Equal(t, metricBefore+1, testutil.ToFloat64(fallbackMetric))

	replica := f.stats(t, readPool)
	assert.Zero(t, replica.Active, "stale replica handle was returned")
	assert.Equal(t, 1, replica.Idle)
	f.router.Release(ctx, l, false)
}

func TestUnknownCounterReadsReplicaWithoutCheck(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	ctx := context.Background()
	a := tenant42()

	l, err := f.router.Acquire(ctx, a, false, false)
	require.NoError(t, err)
	assert.Equal(t, readPool, l.PoolID())
	f.router.Release(ctx, l, false)

	f.counters.mu.Lock()
	defer f.counters.mu.Unlock()
	assert.Zero(t, f.counters.reads)
}

func TestNoReplicaAlwaysUsesMaster(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	ctx := context.Background()
	a := assignment.New(7, 1, writePool, writePool, "ctx_1")

	l, err := f.router.Acquire(ctx, a, false, false)
	require.NoError(t, err)
	assert.Equal(t, writePool, l.PoolID())
	assert.False(t, l.ReadFallback())
	f.router.Release(ctx, l, true)

	f.counters.mu.Lock()
	defer f.counters.mu.Unlock()
	assert.Zero(t, f.counters.increases, "no replica, no counter")
	assert.Zero(t, f.counters.reads)
}

func TestUseMasterContext(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	ctx := context.WithValue(context.Background(), consts.UseMasterDBKey, true)
	a := tenant42()
	a.SetTransactionCounter(3)

	l, err := f.router.Acquire(ctx, a, false, false)
	require.NoError(t, err)
	assert.Equal(t, writePool, l.PoolID())
	f.router.Release(ctx, l, true)

	v, _ := a.TransactionCounter()
	assert.Equal(t, int64(3), v, "read intent is never counted as a write")
}

func TestReplicaUnavailableFallsBack(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 1, ExhaustedAction: pool.Fail})
	ctx := context.Background()
	a := tenant42()

	held, err := f.router.Acquire(ctx, a, false, false)
	require.NoError(t, err)
	require.Equal(t, readPool, held.PoolID())

	l, err := f.router.Acquire(ctx, a, false, false)
	require.NoError(t, err)
	assert.Equal(t, writePool, l.PoolID())
	assert.True(t, l.ReadFallback())

	f.router.Release(ctx, l, false)
	f.router.Release(ctx, held, false)
}

func TestBothPoolsExhaustedPropagatesWriteError(t *testing.T) {
	reg := registry.New(registry.Options{})
	defer reg.Close(context.Background())
	reg.AddFactory(registry.NewStaticFactory(registry.Tenant, registry.Builder{Lifecycle: fakeLifecycle{}}, map[int]registry.Definition{
		writePool: {Endpoint: pool.Endpoint{URL: "postgres://master/ctx"}, Limits: pool.Limits{MaxSize: 1, ExhaustedAction: pool.Fail}},
	}))
	router := NewRouter(reg, newFakeCounters(), &fakeSchemas{}, Options{})
	ctx := context.Background()
	a := tenant42() // read pool 2 is unknown to the registry

	held, err := router.Acquire(ctx, a, true, false)
	require.NoError(t, err)

	_, err = router.Acquire(ctx, a, false, false)
	require.ErrorIs(t, err, consts.ErrPoolExhausted)
	assert.Equal(t, consts.KindCapacity, consts.Classify(err))

	_, err = router.Acquire(ctx, a, true, false)
	require.ErrorIs(t, err, consts.ErrPoolExhausted, "writes never fall back")

	router.Release(ctx, held, true)
}

func TestCounterReadErrorRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	ctx := context.Background()
	a := tenant42()
	a.SetTransactionCounter(5)
	f.counters.set(readPool, 5)
	f.counters.readErrs = 2

	l, err := f.router.Acquire(ctx, a, false, false)
	require.NoError(t, err)
	assert.Equal(t, readPool, l.PoolID())
	assert.Equal(t, uint64(2), f.router.Stats().CounterFailures)
	f.router.Release(ctx, l, false)
}

func TestCounterReadErrorExhaustsIntoMaster(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	f.router = NewRouter(f.reg, f.counters, f.schemas, Options{MaxAttempts: 3})
	ctx := context.Background()
	a := tenant42()
	a.SetTransactionCounter(5)
	f.counters.set(readPool, 9)
	f.counters.readErrs = 100

	l, err := f.router.Acquire(ctx, a, false, false)
	require.NoError(t, err)
	assert.Equal(t, writePool, l.PoolID())
	assert.True(t, l.ReadFallback())

	f.counters.mu.Lock()
	assert.Equal(t, 3, f.counters.reads)
	f.counters.mu.Unlock()
	assert.Zero(t, f.stats(t, readPool).Active)
	f.router.Release(ctx, l, false)
}

func TestSchemaSwitchFailureReturnsHandle(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	f.schemas.fail = true
	ctx := context.Background()

	_, err := f.router.Acquire(ctx, tenant42(), true, false)
	require.ErrorIs(t, err, consts.ErrSchemaSwitchFailed)
	assert.Equal(t, consts.KindTransient, consts.Classify(err))
	assert.Zero(t, f.stats(t, writePool).Active, "handle went back before the error surfaced")

	_, err = f.router.Acquire(ctx, tenant42(), false, false)
	require.ErrorIs(t, err, consts.ErrSchemaSwitchFailed)
	assert.Zero(t, f.stats(t, readPool).Active)
}

func TestSchemaNotSwitchedTwice(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	ctx := context.Background()
	a := assignment.New(7, 1, writePool, writePool, "ctx_1")

	for i := 0; i < 3; i++ {
		l, err := f.router.Acquire(ctx, a, true, false)
		require.NoError(t, err)
		f.router.Release(ctx, l, true)
	}

	f.schemas.mu.Lock()
	defer f.schemas.mu.Unlock()
	assert.Equal(t, []string{"ctx_1"}, f.schemas.switches, "one pooled handle keeps its schema")
}

func TestWriteCounterMonotonic(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	ctx := context.Background()
	a := tenant42()
	f.counters.set(writePool, 100)

	const writers = 25
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := f.router.Acquire(ctx, a, true, false)
			if err != nil {
				failures.Add(1)
				return
			}
			f.router.Release(ctx, l, true)
		}()
	}
	wg.Wait()
	require.Zero(t, failures.Load())

	f.counters.mu.Lock()
	durable := f.counters.values[writePool]
	f.counters.mu.Unlock()
	assert.GreaterOrEqual(t, durable, int64(100+writers))

	v, _ := a.TransactionCounter()
	assert.Equal(t, durable, v, "remembered value is the highest one read back")
}

func TestReleaseAfterReadingRemembersCounter(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	ctx := context.Background()
	a := tenant42()
	f.counters.set(writePool, 8)

	l, err := f.router.Acquire(ctx, a, true, false)
	require.NoError(t, err)
	f.router.Release(ctx, l, false)

	v, known := a.TransactionCounter()
	require.True(t, known)
	assert.Equal(t, int64(8), v)
	f.counters.mu.Lock()
	assert.Zero(t, f.counters.increases)
	f.counters.mu.Unlock()
}

func TestIncrementFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	f.counters.incErr = fmt.Errorf("increment: %w", consts.ErrStorage)
	ctx := context.Background()
	a := tenant42()

	failures := testutil.ToFloat64(metrics.RouterCounterFailures.WithLabelValues("increment"))
	l, err := f.router.Acquire(ctx, a, true, false)
	require.NoError(t, err)
	f.router.Release(ctx, l, true)

	_, known := a.TransactionCounter()
	assert.False(t, known)
	assert.Equal(t, failures+1, testutil.ToFloat64(metrics.RouterCounterFailures.WithLabelValues("increment")))
	assert.Zero(t, f.stats(t, writePool).Active, "handle returned despite the failure")
}

func TestDoubleReleaseIgnored(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	ctx := context.Background()
	a := tenant42()

	l, err := f.router.Acquire(ctx, a, true, false)
	require.NoError(t, err)
	f.router.Release(ctx, l, true)
	f.router.Release(ctx, l, true)
	f.router.Release(ctx, nil, true)

	f.counters.mu.Lock()
	defer f.counters.mu.Unlock()
	assert.Equal(t, 1, f.counters.increases)
}

func TestNoTimeoutCarriedToHandle(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	ctx := context.Background()

	l, err := f.router.Acquire(ctx, tenant42(), true, true)
	require.NoError(t, err)
	assert.True(t, l.NoTimeout())
	assert.True(t, l.Handle().NoTimeout())
	f.router.Release(ctx, l, false)
}

// closingSource reports the pool as closed a number of times before
// delegating, the way a concurrently reaped pool looks to the router.
type closingSource struct {
	PoolSource
	closed atomic.Int32
}

func (s *closingSource) Checkout(ctx context.Context, poolID int, noTimeout bool) (*pool.Handle, error) {
	if s.closed.Add(-1) >= 0 {
		return nil, fmt.Errorf("pool %d: %w", poolID, consts.ErrPoolClosed)
	}
	return s.PoolSource.Checkout(ctx, poolID, noTimeout)
}

func TestClosedPoolIsReresolved(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	src := &closingSource{PoolSource: f.reg}
	src.closed.Store(3)
	router := NewRouter(src, f.counters, f.schemas, Options{MaxAttempts: 4})
	ctx := context.Background()

	l, err := router.Acquire(ctx, tenant42(), true, false)
	require.NoError(t, err)
	router.Release(ctx, l, false)

	src.closed.Store(4)
	_, err = router.Acquire(ctx, tenant42(), true, false)
	require.ErrorIs(t, err, consts.ErrPoolClosed)
}

func TestUnknownPoolIsNotRetried(t *testing.T) {
	f := newFixture(t, pool.Limits{MaxSize: 4})
	ctx := context.Background()

	_, err := f.router.AcquirePool(ctx, 9999, "ctx_1", false)
	require.ErrorIs(t, err, consts.ErrUnknownPool)
	_, ok := f.reg.Category(9999)
	assert.False(t, ok)

	l, err := f.router.AcquirePool(ctx, writePool, "ctx_3", false)
	require.NoError(t, err)
	assert.Nil(t, l.Assignment())
	assert.Equal(t, "ctx_3", l.Handle().Schema())
	f.router.Release(ctx, l, true)
}

package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/pkg/metrics"
	"github.com/migadu/tenantdb/pkg/pool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

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

var testBuilder = Builder{Lifecycle: fakeLifecycle{}}

func def(url string) Definition {
	return Definition{Endpoint: pool.Endpoint{URL: url}, Limits: pool.Limits{MaxSize: 2}}
}

type countingFactory struct {
	*StaticFactory
	creates atomic.Int32
}

func (f *countingFactory) Create(ctx context.Context, id int) (*pool.Pool, error) {
	p, err := f.StaticFactory.Create(ctx, id)
	if p != nil {
		f.creates.Add(1)
		time.Sleep(time.Millisecond)
	}
	return p, err
}

type fakeSource struct {
	mu    sync.Mutex
	defs  map[int]Definition
	err   error
	calls []int
}

func (s *fakeSource) PoolDefinition(_ context.Context, id int) (Definition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	if s.err != nil {
		return Definition{}, false, s.err
	}
	d, ok := s.defs[id]
	return d, ok, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSource) {
	t.Helper()
	r := New(Options{})
	r.AddFactory(NewStaticFactory(ControlPlane, testBuilder, map[int]Definition{
		consts.ControlWritePoolID: def("postgres://control/db"),
		consts.ControlReadPoolID:  def("postgres://control-ro/db"),
	}))
	r.AddFactory(NewStaticFactory(Global, testBuilder, map[int]Definition{100: def("postgres://global/db")}))
	src := &fakeSource{defs: map[int]Definition{1: def("postgres://db1/ctx"), 2: def("postgres://db1-ro/ctx")}}
	r.AddFactory(NewLookupFactory(src, testBuilder))
	t.Cleanup(func() { r.Close(context.Background()) })
	return r, src
}

func TestGetCreatesPoolOnceUnderConcurrency(t *testing.T) {
	r := New(Options{})
	defer r.Close(context.Background())
	f := &countingFactory{StaticFactory: NewStaticFactory(Tenant, testBuilder, map[int]Definition{7: def("postgres://db7/ctx")})}
	r.AddFactory(f)

	var wg sync.WaitGroup
	results := make([]*pool.Pool, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Get(context.Background(), 7)
			if err == nil {
				results[i] = p
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.creates.Load())
	for _, p := range results {
		require.NotNil(t, p)
		assert.Same(t, results[0], p)
	}
}

func TestGetUnknownPool(t *testing.T) {
	r, _ := newTestRegistry(t)
	before := r.Len()

	_, err := r.Get(context.Background(), 9999)
	require.ErrorIs(t, err, consts.ErrUnknownPool)
	assert.Equal(t, consts.KindConfiguration, consts.Classify(err))
	assert.Equal(t, before, r.Len(), "nothing registered for an unknown id")

	_, err = r.Checkout(context.Background(), 9999, false)
	require.ErrorIs(t, err, consts.ErrUnknownPool)
}

func TestFactoriesAskedInOrder(t *testing.T) {
	r, src := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.Get(ctx, consts.ControlWritePoolID)
	require.NoError(t, err)
	assert.Equal(t, "postgres://control/db", p.Endpoint().URL)
	cat, ok := r.Category(consts.ControlWritePoolID)
	require.True(t, ok)
	assert.Equal(t, ControlPlane, cat)

	p, err = r.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "postgres://global/db", p.Endpoint().URL)

	p, err = r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db1/ctx", p.Endpoint().URL)
	cat, _ = r.Category(1)
	assert.Equal(t, Tenant, cat)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, []int{1}, src.calls, "control and global ids never reach the control database")
}

func TestFactoryErrorIsPropagated(t *testing.T) {
	r, src := newTestRegistry(t)
	storageErr := errors.New("control database unreachable")
	src.mu.Lock()
	src.err = storageErr
	src.mu.Unlock()

	_, err := r.Get(context.Background(), 5)
	require.ErrorIs(t, err, storageErr)
	assert.Zero(t, r.Len())
}

func TestReapRemovesEmptyPoolsButNotControlPlane(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	metrics.RegistryDestroyRefused.Add(0)
	refusedBefore := testutil.ToFloat64(metrics.RegistryDestroyRefused)

	require.NoError(t, r.Preload(ctx, consts.ControlWritePoolID, consts.ControlReadPoolID))
	tenant, err := r.Get(ctx, 1)
	require.NoError(t, err)
	_, err = r.Get(ctx, 100)
	require.NoError(t, err)

	h, err := r.Checkout(ctx, 2, false)
	require.NoError(t, err)

	reaped := r.ReapOnce(ctx)
	assert.Equal(t, 2, reaped, "tenant pool 1 and global pool 100")
	assert.True(t, tenant.IsClosed())

	_, stillThere := r.Category(consts.ControlWritePoolID)
	assert.True(t, stillThere, "control-plane pools survive the reaper")
	_, busy := r.Category(2)
	assert.True(t, busy, "pool with a checked-out handle survives")
	assert.Equal(t, refusedBefore+2, testutil.ToFloat64(metrics.RegistryDestroyRefused))

	r.Checkin(ctx, h)

	again, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.NotSame(t, tenant, again, "reaped pool is recreated on next reference")
}

// controlBackedSource reads definitions through the registry's control read
// pool, the way the control database does.
type controlBackedSource struct {
	r    *Registry
	defs map[int]Definition
}

func (s *controlBackedSource) PoolDefinition(ctx context.Context, id int) (Definition, bool, error) {
	h, err := s.r.Checkout(ctx, consts.ControlReadPoolID, false)
	if err != nil {
		return Definition{}, false, err
	}
	defer s.r.Checkin(ctx, h)
	d, ok := s.defs[id]
	return d, ok, nil
}

func TestTenantFactoryMayOpenControlPoolDuringCreate(t *testing.T) {
	r := New(Options{})
	defer r.Close(context.Background())
	r.AddFactory(NewStaticFactory(ControlPlane, testBuilder, map[int]Definition{
		consts.ControlWritePoolID: def("postgres://control/db"),
		consts.ControlReadPoolID:  def("postgres://control-ro/db"),
	}))
	r.AddFactory(NewLookupFactory(&controlBackedSource{r: r, defs: map[int]Definition{5: def("postgres://db5/ctx")}}, testBuilder))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Preload(ctx, consts.ControlWritePoolID))

	done := make(chan error, 1)
	go func() {
		_, err := r.Get(ctx, 5)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Get(5) did not return while its factory opened the control read pool")
	}

	category, ok := r.Category(consts.ControlReadPoolID)
	require.True(t, ok)
	assert.Equal(t, ControlPlane, category)
	category, ok = r.Category(5)
	require.True(t, ok)
	assert.Equal(t, Tenant, category)
}

// racingFactory checks a handle out of the pool it is asked to destroy,
// as a concurrent checkout would between the veto and the close.
type racingFactory struct {
	*LookupFactory
	held *pool.Handle
}

func (f *racingFactory) Destroy(ctx context.Context, id int, p *pool.Pool) error {
	if f.held == nil {
		h, err := p.Checkout(ctx)
		if err != nil {
			return err
		}
		f.held = h
	}
	return f.LookupFactory.Destroy(ctx, id, p)
}

func TestReapKeepsDefinitionWhenCheckoutRaces(t *testing.T) {
	r := New(Options{})
	defer r.Close(context.Background())
	d := def("postgres://db1/ctx")
	d.Limits.MaxIdleTime = time.Nanosecond
	src := &fakeSource{defs: map[int]Definition{1: d}}
	f := &racingFactory{LookupFactory: NewLookupFactory(src, testBuilder)}
	r.AddFactory(f)
	ctx := context.Background()

	p, err := r.Get(ctx, 1)
	require.NoError(t, err)

	assert.Zero(t, r.ReapOnce(ctx))
	assert.False(t, p.IsClosed())
	assert.False(t, f.Update(1, d), "definition of a live pool is kept")

	p.Checkin(ctx, f.held)
	time.Sleep(time.Millisecond)
	r.SweepOnce(ctx)
	require.True(t, p.IsEmpty())
	assert.Equal(t, 1, r.ReapOnce(ctx))
	assert.True(t, p.IsClosed())
	assert.True(t, f.Update(1, d), "definition is forgotten once the pool is gone")
}

func TestCheckoutThroughRegistry(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	h, err := r.Checkout(ctx, 1, true)
	require.NoError(t, err)
	assert.True(t, h.NoTimeout())
	r.Checkin(ctx, h)

	// Idle handle keeps the pool alive.
	assert.Zero(t, r.ReapOnce(ctx))
}

func TestEvict(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Get(ctx, consts.ControlWritePoolID)
	require.NoError(t, err)
	require.ErrorIs(t, r.Evict(ctx, consts.ControlWritePoolID), consts.ErrDestroyRefused)

	p, err := r.Get(ctx, 100)
	require.NoError(t, err)
	h, err := p.Checkout(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Evict(ctx, 100))
	assert.True(t, p.IsClosed())
	p.Checkin(ctx, h)
	assert.True(t, p.IsEmpty())

	require.ErrorIs(t, r.Evict(ctx, 100), consts.ErrUnknownPool)
}

func TestSnapshotOrdered(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, id := range []int{100, 2, consts.ControlWritePoolID, 1} {
		_, err := r.Get(ctx, id)
		require.NoError(t, err)
	}

	snap := r.Snapshot()
	require.Len(t, snap, 4)
	ids := []int{snap[0].ID, snap[1].ID, snap[2].ID, snap[3].ID}
	assert.Equal(t, []int{consts.ControlWritePoolID, 1, 2, 100}, ids)
	assert.Equal(t, "control", snap[0].Category)
	assert.Equal(t, "tenant", snap[1].Category)
	assert.Equal(t, "global", snap[3].Category)
}

func TestStartRunsMaintenanceAndStops(t *testing.T) {
	r := New(Options{ReapInterval: 5 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	r.AddFactory(NewStaticFactory(Global, testBuilder, map[int]Definition{100: def("postgres://global/db")}))
	ctx := context.Background()

	_, err := r.Get(ctx, 100)
	require.NoError(t, err)

	r.Start(ctx)
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	r.Close(ctx)
}

func TestLookupFactoryUpdate(t *testing.T) {
	src := &fakeSource{defs: map[int]Definition{1: def("postgres://db1/ctx")}}
	f := NewLookupFactory(src, testBuilder)
	ctx := context.Background()

	p, err := f.Create(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.False(t, f.Update(1, def("postgres://db1/ctx")))
	assert.True(t, f.Update(1, def("postgres://db1-moved/ctx")))

	p, err = f.Create(ctx, consts.ControlReadPoolID)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = f.Create(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, p, "unknown id is not claimed")

	refreshed, found, err := f.Refresh(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "postgres://db1/ctx", refreshed.Endpoint.URL)
}

func TestStaticFactory(t *testing.T) {
	f := NewStaticFactory(Global, testBuilder, map[int]Definition{3: def("a"), 1: def("b")})
	assert.Equal(t, []int{1, 3}, f.IDs())
	require.NoError(t, f.Destroy(context.Background(), 1, nil))

	f.Update(map[int]Definition{5: def("c")})
	_, ok := f.Definition(1)
	assert.False(t, ok)
	assert.Equal(t, []int{5}, f.IDs())

	control := NewStaticFactory(ControlPlane, testBuilder, nil)
	require.ErrorIs(t, control.Destroy(context.Background(), consts.ControlWritePoolID, nil), consts.ErrDestroyRefused)
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "control", ControlPlane.String())
	assert.Equal(t, "tenant", Tenant.String())
	assert.Equal(t, "global", Global.String())
}

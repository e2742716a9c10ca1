package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/migadu/tenantdb/db"
	"github.com/migadu/tenantdb/pkg/circuitbreaker"
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

type switchableCheck struct {
	mu  sync.Mutex
	err error
}

func (s *switchableCheck) set(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *switchableCheck) check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func TestCheckStatusTransitions(t *testing.T) {
	m := NewMonitor("test-host")
	sc := &switchableCheck{}
	m.RegisterCheck(&Check{Name: "transitions", Check: sc.check})

	ctx := context.Background()
	m.RunOnce(ctx)
	m.RunOnce(ctx)
	status, ok := m.Status("transitions")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, status)

	// 1 failure out of 3 degrades.
	sc.set(errors.New("connection refused"))
	m.RunOnce(ctx)
	status, _ = m.Status("transitions")
	assert.Equal(t, StatusDegraded, status)

	// 2 out of 4 is unhealthy.
	m.RunOnce(ctx)
	status, _ = m.Status("transitions")
	assert.Equal(t, StatusUnhealthy, status)

	sc.set(nil)
	m.RunOnce(ctx)
	status, _ = m.Status("transitions")
	assert.Equal(t, StatusHealthy, status)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.ComponentHealthStatus.WithLabelValues("transitions", "test-host")))

	_, ok = m.Status("missing")
	assert.False(t, ok)
}

func TestOverallStatusFollowsCriticalChecks(t *testing.T) {
	m := NewMonitor("test-host")
	critical := &switchableCheck{}
	optional := &switchableCheck{}
	m.RegisterCheck(&Check{Name: "critical", Critical: true, Check: critical.check})
	m.RegisterCheck(&Check{Name: "optional", Check: optional.check})

	ctx := context.Background()
	optional.set(errors.New("slow"))
	m.RunOnce(ctx)
	// A lone non-critical failure is 1/1: unhealthy, but only degrades overall.
	assert.Equal(t, StatusDegraded, m.OverallStatus())

	critical.set(errors.New("down"))
	m.RunOnce(ctx)
	assert.Equal(t, StatusUnhealthy, m.OverallStatus())

	critical.set(nil)
	optional.set(nil)
	m.RunOnce(ctx)
	assert.Equal(t, StatusHealthy, m.OverallStatus())

	results := m.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "critical", results[0].Name)
	assert.Equal(t, 3, results[0].CheckCount)
	assert.Equal(t, 1, results[0].FailCount)
}

func TestPanickingCheckIsUnhealthy(t *testing.T) {
	m := NewMonitor("test-host")
	m.RegisterCheck(&Check{Name: "panics", Check: func(context.Context) error { panic("boom") }})

	m.RunOnce(context.Background())
	results := m.Results()
	require.Len(t, results, 1)
	assert.Equal(t, StatusUnhealthy, results[0].Status)
	assert.Contains(t, results[0].LastError, "panic: boom")
}

func TestStartRunsChecksUntilStop(t *testing.T) {
	m := NewMonitor("test-host")
	var mu sync.Mutex
	calls := 0
	m.RegisterCheck(&Check{Name: "ticking", Interval: 5 * time.Millisecond, Check: func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}})

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)
	m.Stop()
}

type fakePinger struct {
	writeErr, readErr error
}

func (f fakePinger) Ping(_ context.Context, write bool) error {
	if write {
		return f.writeErr
	}
	return f.readErr
}

type storedStatus struct {
	component string
	status    db.ComponentStatus
	lastError error
	metadata  map[string]any
}

type fakeStore struct {
	mu     sync.Mutex
	stored []storedStatus
}

func (f *fakeStore) StoreHealthStatus(_ context.Context, _, component string, status db.ComponentStatus, lastError error, _, _ int, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, storedStatus{component: component, status: status, lastError: lastError, metadata: metadata})
	return nil
}

func (f *fakeStore) find(component string) []storedStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storedStatus
	for _, s := range f.stored {
		if s.component == component {
			out = append(out, s)
		}
	}
	return out
}

func TestControlDBChecksAreStored(t *testing.T) {
	store := &fakeStore{}
	hi := NewIntegration(store)
	hi.RegisterControlDBChecks(fakePinger{readErr: errors.New("replica down")}, time.Minute)

	hi.Monitor().RunOnce(context.Background())

	write := store.find("control_db")
	require.Len(t, write, 1)
	assert.Equal(t, db.StatusHealthy, write[0].status)

	read := store.find("control_db_read")
	require.Len(t, read, 1)
	assert.Equal(t, db.StatusUnhealthy, read[0].status)
	assert.EqualError(t, read[0].lastError, "replica down")
	// The read path is not critical.
	assert.Equal(t, StatusDegraded, hi.Monitor().OverallStatus())
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

type fakeBreakers map[string]circuitbreaker.State

func (f fakeBreakers) BreakerState(ep pool.Endpoint) circuitbreaker.State { return f[ep.URL] }

func TestPoolChecks(t *testing.T) {
	builder := registry.Builder{Lifecycle: fakeLifecycle{}}
	limits := pool.Limits{MaxSize: 1, MaxWaitTime: 10 * time.Millisecond, ExhaustedAction: pool.Fail}
	reg := registry.New(registry.Options{})
	reg.AddFactory(registry.NewStaticFactory(registry.Global, builder, map[int]registry.Definition{
		100: {Name: "directory", Endpoint: pool.Endpoint{URL: "postgres://global/directory"}, Limits: limits},
		101: {Name: "billing", Endpoint: pool.Endpoint{URL: "postgres://global/billing"}, Limits: limits},
	}))
	defer reg.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, reg.Preload(ctx, 100, 101))

	store := &fakeStore{}
	hi := NewIntegration(store)
	breakers := fakeBreakers{"postgres://global/billing": circuitbreaker.StateOpen}
	hi.RegisterPoolChecks(reg, breakers, time.Minute)

	h, err := reg.Checkout(ctx, 100, false)
	require.NoError(t, err)
	hi.Monitor().RunOnce(ctx)
	reg.Checkin(ctx, h)

	results := hi.Monitor().Results()
	require.Len(t, results, 2)
	assert.Equal(t, "dial_breakers", results[0].Name)
	assert.Equal(t, "dial breaker open for pools: 101", results[0].LastError)
	assert.Equal(t, "pools", results[1].Name)
	assert.Equal(t, "pools at capacity: 100", results[1].LastError)

	stored := store.find("pools")
	require.Len(t, stored, 1)
	assert.Equal(t, 1, stored[0].metadata["active_handles"])
	assert.Equal(t, map[string]int{"global": 2}, stored[0].metadata["pools"])
}

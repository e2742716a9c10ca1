// Package registry maps pool ids to live pools.
//
// Pools are created lazily by the first factory that claims an id and
// removed by the reaper once they are empty and their factory agrees.
// Lookups of existing pools never take a lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"golang.org/x/sync/singleflight"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/metrics"
	"github.com/migadu/tenantdb/pkg/pool"
)

// Options controls background maintenance. Zero intervals disable the
// corresponding loop.
type Options struct {
	ReapInterval  time.Duration
	SweepInterval time.Duration
}

// PoolInfo describes a registered pool.
type PoolInfo struct {
	ID       int        `json:"id"`
	Category string     `json:"category"`
	Stats    pool.Stats `json:"stats"`
}

type entry struct {
	pool    *pool.Pool
	factory Factory
}

type Registry struct {
	opts  Options
	pools cmap.ConcurrentMap // strconv.Itoa(id) -> *entry

	creating singleflight.Group // per-id pool construction

	mu        sync.Mutex // serialises insertion and removal
	factories []Factory
	closed    bool

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(opts Options) *Registry {
	return &Registry{
		opts:  opts,
		pools: cmap.New(),
		stop:  make(chan struct{}),
	}
}

// AddFactory registers a factory. Factories are asked in registration order.
func (r *Registry) AddFactory(f Factory) {
	r.mu.Lock()
	r.factories = append(r.factories, f)
	r.mu.Unlock()
}

func key(id int) string { return strconv.Itoa(id) }

func (r *Registry) lookup(id int) (*entry, bool) {
	v, ok := r.pools.Get(key(id))
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// Get returns the pool for id, creating it on first reference. Ids no
// factory claims fail with ErrUnknownPool and register nothing.
//
// Factories run without the registry lock held, so a factory may check out
// other pools (the tenant factory reads the control database) while
// concurrent Gets of the same id share one construction.
func (r *Registry) Get(ctx context.Context, id int) (*pool.Pool, error) {
	if e, ok := r.lookup(id); ok {
		return e.pool, nil
	}

	v, err, _ := r.creating.Do(key(id), func() (any, error) {
		if e, ok := r.lookup(id); ok {
			return e.pool, nil
		}
		return r.create(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*pool.Pool), nil
}

func (r *Registry) create(ctx context.Context, id int) (*pool.Pool, error) {
	r.mu.Lock()
	factories := append([]Factory(nil), r.factories...)
	r.mu.Unlock()

	for _, f := range factories {
		p, err := f.Create(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("create pool %d: %w", id, err)
		}
		if p == nil {
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			p.Close(ctx)
			return nil, fmt.Errorf("pool %d: %w", id, consts.ErrPoolClosed)
		}
		if e, ok := r.lookup(id); ok {
			r.mu.Unlock()
			p.Close(ctx)
			return e.pool, nil
		}
		r.pools.Set(key(id), &entry{pool: p, factory: f})
		r.updateGaugesLocked()
		r.mu.Unlock()

		metrics.RegistryPoolsCreated.WithLabelValues(f.Category().String()).Inc()
		logger.Info("Pool created", "component", "REGISTRY", "pool_id", id, "category", f.Category().String(),
			"endpoint", p.Endpoint().String(), "max_size", p.Limits().MaxSize)
		return p, nil
	}

	return nil, fmt.Errorf("pool %d: %w", id, consts.ErrUnknownPool)
}

// Preload creates the given pools up front and fills them to MinSize.
func (r *Registry) Preload(ctx context.Context, ids ...int) error {
	for _, id := range ids {
		p, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := p.Prefill(ctx); err != nil {
			logger.Warn("Failed to prefill pool", "component", "REGISTRY", "pool_id", id, "error", err)
		}
	}
	return nil
}

// Category returns the category of a registered pool.
func (r *Registry) Category(id int) (Category, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return 0, false
	}
	return e.factory.Category(), true
}

// Checkout takes a handle from pool id.
func (r *Registry) Checkout(ctx context.Context, id int, noTimeout bool) (*pool.Handle, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if noTimeout {
		return p.CheckoutNoTimeout(ctx)
	}
	return p.Checkout(ctx)
}

// Checkin returns a handle to the pool it came from.
func (r *Registry) Checkin(ctx context.Context, h *pool.Handle) {
	if h == nil {
		return
	}
	h.Pool().Checkin(ctx, h)
}

// ReapOnce removes empty pools whose factory agrees and returns how many
// were removed. Factories implementing Forgetter are told only about pools
// that were actually closed.
func (r *Registry) ReapOnce(ctx context.Context) int {
	reaped := 0
	for item := range r.pools.IterBuffered() {
		e := item.Val.(*entry)
		if !e.pool.IsEmpty() {
			continue
		}
		id := e.pool.ID()

		if err := e.factory.Destroy(ctx, id, e.pool); err != nil {
			if errors.Is(err, consts.ErrDestroyRefused) {
				metrics.RegistryDestroyRefused.Inc()
				logger.Error("Refusing to destroy pool", "component", "REGISTRY", "pool_id", id,
					"category", e.factory.Category().String(), "error", err)
			} else {
				logger.Error("Factory failed to destroy pool", "component", "REGISTRY", "pool_id", id, "error", err)
			}
			continue
		}

		r.mu.Lock()
		current, ok := r.lookup(id)
		removed := ok && current == e && e.pool.TryClose()
		if removed {
			r.pools.Remove(item.Key)
			if f, ok := e.factory.(Forgetter); ok {
				f.Forget(id)
			}
			r.updateGaugesLocked()
		}
		r.mu.Unlock()
		if !removed {
			// A checkout raced in; the pool stays live with its definition.
			continue
		}

		reaped++
		metrics.RegistryPoolsReaped.WithLabelValues(e.factory.Category().String()).Inc()
		metrics.ForgetPool(id)
		logger.Debug("Pool reaped", "component", "REGISTRY", "pool_id", id)
	}
	return reaped
}

// SweepOnce runs idle maintenance on every pool.
func (r *Registry) SweepOnce(ctx context.Context) {
	for item := range r.pools.IterBuffered() {
		if ctx.Err() != nil {
			return
		}
		item.Val.(*entry).pool.Sweep(ctx)
	}
}

// Evict closes and removes a pool regardless of the handles it holds.
// Handles in use are destroyed when they come back. Control-plane pools
// cannot be evicted.
func (r *Registry) Evict(ctx context.Context, id int) error {
	r.mu.Lock()
	e, ok := r.lookup(id)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("pool %d: %w", id, consts.ErrUnknownPool)
	}
	if e.factory.Category() == ControlPlane {
		r.mu.Unlock()
		return fmt.Errorf("pool %d is a control-plane pool: %w", id, consts.ErrDestroyRefused)
	}
	r.pools.Remove(key(id))
	r.updateGaugesLocked()
	r.mu.Unlock()

	e.pool.Close(ctx)
	metrics.ForgetPool(id)
	logger.Info("Pool evicted", "component", "REGISTRY", "pool_id", id)
	return nil
}

// ForEach calls fn for every registered pool.
func (r *Registry) ForEach(fn func(id int, category Category, p *pool.Pool)) {
	for item := range r.pools.IterBuffered() {
		e := item.Val.(*entry)
		fn(e.pool.ID(), e.factory.Category(), e.pool)
	}
}

// Snapshot returns every registered pool ordered by id.
func (r *Registry) Snapshot() []PoolInfo {
	var infos []PoolInfo
	r.ForEach(func(id int, category Category, p *pool.Pool) {
		infos = append(infos, PoolInfo{ID: id, Category: category.String(), Stats: p.Stats()})
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (r *Registry) Len() int {
	return r.pools.Count()
}

// Start launches the reaper and sweeper loops.
func (r *Registry) Start(ctx context.Context) {
	r.loop(ctx, "reaper", r.opts.ReapInterval, func(ctx context.Context) {
		if n := r.ReapOnce(ctx); n > 0 {
			logger.Info("Reaped empty pools", "component", "REGISTRY", "count", n)
		}
	})
	r.loop(ctx, "sweeper", r.opts.SweepInterval, r.SweepOnce)
}

func (r *Registry) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		logger.Debug("Registry loop started", "component", "REGISTRY", "loop", name, "interval", interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop ends the background loops and waits for them.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// Close stops maintenance and closes every pool.
func (r *Registry) Close(ctx context.Context) {
	r.Stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for item := range r.pools.IterBuffered() {
		e := item.Val.(*entry)
		e.pool.Close(ctx)
		r.pools.Remove(item.Key)
		metrics.ForgetPool(e.pool.ID())
	}
	r.updateGaugesLocked()
}

func (r *Registry) updateGaugesLocked() {
	counts := map[Category]int{ControlPlane: 0, Tenant: 0, Global: 0}
	for item := range r.pools.IterBuffered() {
		counts[item.Val.(*entry).factory.Category()]++
	}
	for c, n := range counts {
		metrics.RegistryPools.WithLabelValues(c.String()).Set(float64(n))
	}
}

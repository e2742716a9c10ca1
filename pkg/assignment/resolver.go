package assignment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/metrics"
)

const defaultLoadTimeout = 30 * time.Second

// Options configures a Resolver.
type Options struct {
	// CacheTTL expires cached assignments. Zero keeps them until invalidated.
	CacheTTL time.Duration
	// CleanupInterval is how often expired entries are purged. Ignored without a TTL.
	CleanupInterval time.Duration
	// LoadTimeout bounds one store lookup shared by coalesced callers.
	LoadTimeout time.Duration
	// Notifier, when set, receives every invalidation so peers can follow.
	Notifier Notifier
}

// Stats is a point-in-time view of the resolver cache.
type Stats struct {
	Cached int    `json:"cached"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Loads  uint64 `json:"loads"`
}

// Resolver resolves tenants of one cluster to their assignment.
//
// Cache misses for the same tenant are coalesced into one store lookup. All
// store loads, writes and cache mutations share one region lock, so a reader
// never caches an assignment that a concurrent write has already replaced.
type Resolver struct {
	clusterID int
	store     Store
	notifier  Notifier
	timeout   time.Duration

	cache *gocache.Cache
	group singleflight.Group
	mu    sync.Mutex // region lock

	hits   atomic.Uint64
	misses atomic.Uint64
	loads  atomic.Uint64
}

func NewResolver(clusterID int, store Store, opts Options) *Resolver {
	ttl := gocache.NoExpiration
	cleanup := time.Duration(0)
	if opts.CacheTTL > 0 {
		ttl = opts.CacheTTL
		cleanup = opts.CleanupInterval
		if cleanup <= 0 {
			cleanup = 10 * time.Minute
		}
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}

	r := &Resolver{
		clusterID: clusterID,
		store:     store,
		notifier:  opts.Notifier,
		timeout:   opts.LoadTimeout,
		cache:     gocache.New(ttl, cleanup),
	}
	r.cache.OnEvicted(func(string, interface{}) {
		metrics.ResolverCachedAssignments.Set(float64(r.cache.ItemCount()))
	})
	return r
}

// ClusterID returns the cluster whose tenants this resolver serves.
func (r *Resolver) ClusterID() int { return r.clusterID }

func cacheKey(tenantID int) string { return strconv.Itoa(tenantID) }

// Resolve returns the assignment of tenantID. Unknown tenants fail with
// consts.ErrAssignmentNotFound; absence is never cached.
func (r *Resolver) Resolve(ctx context.Context, tenantID int) (*Assignment, error) {
	if v, ok := r.cache.Get(cacheKey(tenantID)); ok {
		r.hits.Add(1)
		metrics.ResolverLookups.WithLabelValues("hit").Inc()
		return v.(*Assignment), nil
	}
	r.misses.Add(1)
	metrics.ResolverLookups.WithLabelValues("miss").Inc()

	// The shared lookup must not die with the first caller's context.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(cacheKey(tenantID), func() (interface{}, error) {
		return r.load(loadCtx, tenantID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Assignment), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) load(ctx context.Context, tenantID int) (*Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cacheKey(tenantID)
	if v, ok := r.cache.Get(key); ok {
		return v.(*Assignment), nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.loads.Add(1)
	a, err := r.store.LoadAssignment(ctx, r.clusterID, tenantID)
	if err != nil {
		if errors.Is(err, consts.ErrAssignmentNotFound) {
			metrics.ResolverLookups.WithLabelValues("not_found").Inc()
			return nil, err
		}
		metrics.ResolverLookups.WithLabelValues("error").Inc()
		logger.Warn("Failed to load assignment", "component", "RESOLVER", "cluster_id", r.clusterID,
			"tenant_id", tenantID, "error", err)
		return nil, err
	}

	r.cache.Set(key, a, gocache.DefaultExpiration)
	metrics.ResolverCachedAssignments.Set(float64(r.cache.ItemCount()))
	logger.Debug("Assignment loaded", "component", "RESOLVER", "tenant_id", tenantID,
		"read_pool", a.ReadPoolID(), "write_pool", a.WritePoolID(), "schema", a.Schema())
	return a, nil
}

// Write stores the assignment and replaces the cached entry. Peers are told
// to drop their copy.
func (r *Resolver) Write(ctx context.Context, a *Assignment) error {
	if a == nil {
		return fmt.Errorf("nil assignment")
	}
	if a.ClusterID() != r.clusterID {
		return fmt.Errorf("assignment of tenant %d belongs to cluster %d, resolver serves cluster %d",
			a.TenantID(), a.ClusterID(), r.clusterID)
	}

	r.mu.Lock()
	if err := r.store.WriteAssignment(ctx, a); err != nil {
		r.mu.Unlock()
		return err
	}
	key := cacheKey(a.TenantID())
	if prev, ok := r.cache.Get(key); ok && prev.(*Assignment).Equal(a) {
		// Same location: keep the cached instance and its counter.
		r.mu.Unlock()
		return nil
	}
	r.cache.Set(key, a, gocache.DefaultExpiration)
	metrics.ResolverCachedAssignments.Set(float64(r.cache.ItemCount()))
	r.mu.Unlock()

	logger.Info("Assignment written", "component", "RESOLVER", "tenant_id", a.TenantID(),
		"read_pool", a.ReadPoolID(), "write_pool", a.WritePoolID(), "schema", a.Schema())
	r.notify(ctx, []int{a.TenantID()})
	return nil
}

// Delete removes the assignment from the store and the cache.
func (r *Resolver) Delete(ctx context.Context, tenantID int) error {
	r.mu.Lock()
	if err := r.store.DeleteAssignment(ctx, r.clusterID, tenantID); err != nil {
		r.mu.Unlock()
		return err
	}
	r.cache.Delete(cacheKey(tenantID))
	r.mu.Unlock()

	logger.Info("Assignment deleted", "component", "RESOLVER", "tenant_id", tenantID)
	r.notify(ctx, []int{tenantID})
	return nil
}

// Invalidate drops cached assignments here and on every peer.
func (r *Resolver) Invalidate(ctx context.Context, tenantIDs ...int) {
	if len(tenantIDs) == 0 {
		return
	}
	r.drop("local", tenantIDs)
	r.notify(ctx, tenantIDs)
}

// InvalidateLocal drops cached assignments without telling peers. It is the
// entry point for invalidations received from other processes.
func (r *Resolver) InvalidateLocal(tenantIDs ...int) {
	if len(tenantIDs) == 0 {
		return
	}
	r.drop("remote", tenantIDs)
}

func (r *Resolver) drop(origin string, tenantIDs []int) {
	r.mu.Lock()
	for _, id := range tenantIDs {
		r.cache.Delete(cacheKey(id))
	}
	r.mu.Unlock()
	metrics.ResolverInvalidations.WithLabelValues(origin).Add(float64(len(tenantIDs)))
	logger.Debug("Assignments invalidated", "component", "RESOLVER", "origin", origin, "tenants", tenantIDs)
}

func (r *Resolver) notify(ctx context.Context, tenantIDs []int) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.PublishInvalidation(ctx, r.clusterID, tenantIDs); err != nil {
		logger.Warn("Failed to publish assignment invalidation", "component", "RESOLVER",
			"tenants", tenantIDs, "error", err)
	}
}

// Cached returns the cached assignment without loading it.
func (r *Resolver) Cached(tenantID int) (*Assignment, bool) {
	v, ok := r.cache.Get(cacheKey(tenantID))
	if !ok {
		return nil, false
	}
	return v.(*Assignment), true
}

// Flush empties the cache.
func (r *Resolver) Flush() {
	r.mu.Lock()
	r.cache.Flush()
	r.mu.Unlock()
	metrics.ResolverCachedAssignments.Set(0)
}

func (r *Resolver) Stats() Stats {
	return Stats{
		Cached: r.cache.ItemCount(),
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Loads:  r.loads.Load(),
	}
}

// TenantsInSchema lists the tenants sharing schema on writePoolID.
func (r *Resolver) TenantsInSchema(ctx context.Context, writePoolID int, schema string) ([]int, error) {
	return r.store.TenantsInSchema(ctx, r.clusterID, writePoolID, schema)
}

// CountTenantsPerSchema counts tenants per schema on writePoolID.
func (r *Resolver) CountTenantsPerSchema(ctx context.Context, writePoolID int) ([]SchemaCount, error) {
	return r.store.CountTenantsPerSchema(ctx, r.clusterID, writePoolID)
}

// UnfilledSchemas lists schemas on writePoolID with room for more tenants.
func (r *Resolver) UnfilledSchemas(ctx context.Context, writePoolID, maxTenants int) ([]SchemaCount, error) {
	return r.store.UnfilledSchemas(ctx, r.clusterID, writePoolID, maxTenants)
}

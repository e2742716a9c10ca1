package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/pkg/pool"
)

// Category tags the owner of a pool.
type Category int

const (
	// ControlPlane pools reach the control database and are never reaped.
	ControlPlane Category = iota
	// Tenant pools are defined in the control database.
	Tenant
	// Global pools are statically configured shared databases.
	Global
)

func (c Category) String() string {
	switch c {
	case ControlPlane:
		return "control"
	case Tenant:
		return "tenant"
	case Global:
		return "global"
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// Factory creates the pools of one category on first reference.
type Factory interface {
	Category() Category
	// Create returns (nil, nil) when poolID is not owned by this factory.
	Create(ctx context.Context, poolID int) (*pool.Pool, error)
	// Destroy is offered every empty pool before the reaper removes it.
	// Returning an error wrapping consts.ErrDestroyRefused keeps the pool.
	// The pool may still survive an accepted Destroy if a checkout races in.
	Destroy(ctx context.Context, poolID int, p *pool.Pool) error
}

// Forgetter is implemented by factories that track the pools they built.
// Forget is called, under the registry lock, once the reaper has closed and
// removed a pool; it must not call back into the registry.
type Forgetter interface {
	Forget(poolID int)
}

// Definition describes a pool a factory can build.
type Definition struct {
	Name     string
	Endpoint pool.Endpoint
	Limits   pool.Limits
}

// Equal reports whether two definitions produce the same pool.
func (d Definition) Equal(o Definition) bool {
	return d.Endpoint.Equal(o.Endpoint) && d.Limits == o.Limits
}

// Builder turns definitions into pools sharing one lifecycle and metrics sink.
type Builder struct {
	Lifecycle pool.Lifecycle
	Metrics   pool.MetricsSink
}

func (b Builder) Build(id int, def Definition) (*pool.Pool, error) {
	return pool.New(pool.Config{
		ID:        id,
		Name:      def.Name,
		Endpoint:  def.Endpoint,
		Limits:    def.Limits,
		Lifecycle: b.Lifecycle,
		Metrics:   b.Metrics,
	})
}

// StaticFactory builds pools from a fixed id -> definition map.
type StaticFactory struct {
	category Category
	builder  Builder

	mu   sync.RWMutex
	defs map[int]Definition
}

// NewStaticFactory creates a factory for configured pools. ControlPlane
// factories refuse destruction.
func NewStaticFactory(category Category, builder Builder, defs map[int]Definition) *StaticFactory {
	f := &StaticFactory{category: category, builder: builder}
	f.Update(defs)
	return f
}

func (f *StaticFactory) Category() Category { return f.category }

func (f *StaticFactory) Create(_ context.Context, poolID int) (*pool.Pool, error) {
	def, ok := f.Definition(poolID)
	if !ok {
		return nil, nil
	}
	return f.builder.Build(poolID, def)
}

func (f *StaticFactory) Destroy(_ context.Context, poolID int, _ *pool.Pool) error {
	if f.category == ControlPlane {
		return fmt.Errorf("pool %d is a control-plane pool: %w", poolID, consts.ErrDestroyRefused)
	}
	return nil
}

// Update replaces the definitions. Live pools are not touched.
func (f *StaticFactory) Update(defs map[int]Definition) {
	copied := make(map[int]Definition, len(defs))
	for id, d := range defs {
		copied[id] = d
	}
	f.mu.Lock()
	f.defs = copied
	f.mu.Unlock()
}

func (f *StaticFactory) Definition(poolID int) (Definition, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.defs[poolID]
	return d, ok
}

// IDs returns the configured pool ids in ascending order.
func (f *StaticFactory) IDs() []int {
	f.mu.RLock()
	ids := make([]int, 0, len(f.defs))
	for id := range f.defs {
		ids = append(ids, id)
	}
	f.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// DefinitionSource loads tenant pool definitions, typically from the control database.
type DefinitionSource interface {
	// PoolDefinition returns found=false when no such pool exists.
	PoolDefinition(ctx context.Context, poolID int) (def Definition, found bool, err error)
}

// LookupFactory builds tenant pools from definitions loaded on demand.
type LookupFactory struct {
	source  DefinitionSource
	builder Builder

	mu    sync.Mutex
	known map[int]Definition
}

func NewLookupFactory(source DefinitionSource, builder Builder) *LookupFactory {
	return &LookupFactory{
		source:  source,
		builder: builder,
		known:   make(map[int]Definition),
	}
}

func (f *LookupFactory) Category() Category { return Tenant }

func (f *LookupFactory) Create(ctx context.Context, poolID int) (*pool.Pool, error) {
	if consts.IsControlPool(poolID) {
		return nil, nil
	}
	def, found, err := f.source.PoolDefinition(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("load definition of pool %d: %w", poolID, err)
	}
	if !found {
		return nil, nil
	}
	p, err := f.builder.Build(poolID, def)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.known[poolID] = def
	f.mu.Unlock()
	return p, nil
}

func (f *LookupFactory) Destroy(context.Context, int, *pool.Pool) error { return nil }

// Forget drops the definition recorded for a reaped pool.
func (f *LookupFactory) Forget(poolID int) {
	f.mu.Lock()
	delete(f.known, poolID)
	f.mu.Unlock()
}

// Update records the definition a live pool was reconfigured to and
// reports whether it differs from the one it was built with.
func (f *LookupFactory) Update(poolID int, def Definition) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.known[poolID]
	f.known[poolID] = def
	return !ok || !prev.Equal(def)
}

// Refresh re-reads the definition of a live pool from the source.
func (f *LookupFactory) Refresh(ctx context.Context, poolID int) (Definition, bool, error) {
	return f.source.PoolDefinition(ctx, poolID)
}

// Package reload applies configuration changes to live pools.
//
// Pools whose endpoint or limits changed are hot-swapped: idle handles are
// closed at once, handles in use finish their work on the old connection and
// are destroyed when they come back.
package reload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/migadu/tenantdb/config"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/metrics"
	"github.com/migadu/tenantdb/pkg/pool"
	"github.com/migadu/tenantdb/pkg/registry"
)

// Registry is the part of *registry.Registry the coordinator drives.
type Registry interface {
	ForEach(fn func(id int, category registry.Category, p *pool.Pool))
	Evict(ctx context.Context, id int) error
}

// Factories are the factories whose definitions a reload replaces.
type Factories struct {
	Control *registry.StaticFactory
	Global  *registry.StaticFactory
	Tenant  *registry.LookupFactory
}

type Options struct {
	// Debounce coalesces bursts of file events into one reload.
	Debounce time.Duration
	// TenantRefreshInterval re-reads tenant pool definitions periodically.
	// Zero refreshes only on reload.
	TenantRefreshInterval time.Duration
}

type Coordinator struct {
	registry    Registry
	factories   Factories
	definitions *DefinitionSource
	opts        Options

	applyMu sync.Mutex
	current atomic.Pointer[config.Config]

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewCoordinator(reg Registry, factories Factories, definitions *DefinitionSource, opts Options) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	return &Coordinator{
		registry:    reg,
		factories:   factories,
		definitions: definitions,
		opts:        opts,
		stop:        make(chan struct{}),
	}
}

// Current returns the last applied configuration, nil before the first Apply.
func (c *Coordinator) Current() *config.Config {
	return c.current.Load()
}

// Apply installs cfg. Invalid configurations are rejected as a whole and
// leave every pool untouched.
func (c *Coordinator) Apply(ctx context.Context, cfg *config.Config) error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	if err := c.apply(ctx, cfg); err != nil {
		metrics.ReloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ReloadsTotal.WithLabelValues("success").Inc()
	return nil
}

func (c *Coordinator) apply(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	controlDefs, err := ControlDefinitions(cfg)
	if err != nil {
		return err
	}
	globalDefs, err := GlobalDefinitions(cfg)
	if err != nil {
		return err
	}

	if c.factories.Control != nil {
		c.factories.Control.Update(controlDefs)
	}
	if c.factories.Global != nil {
		c.factories.Global.Update(globalDefs)
	}
	if c.definitions != nil {
		c.definitions.SetDefaults(cfg.PoolDefaults)
	}
	logger.SetLevel(cfg.Logging.Level)

	var reconfigured int
	var removed []int
	c.registry.ForEach(func(id int, category registry.Category, p *pool.Pool) {
		var def registry.Definition
		var ok bool
		switch category {
		case registry.ControlPlane:
			def, ok = controlDefs[id]
		case registry.Global:
			if def, ok = globalDefs[id]; !ok {
				removed = append(removed, id)
			}
		default:
			return
		}
		if ok && c.reconfigure(p, def) {
			reconfigured++
		}
	})
	for _, id := range removed {
		if err := c.registry.Evict(ctx, id); err != nil {
			logger.Warn("Failed to evict removed global pool", "component", "RELOAD", "pool_id", id, "error", err)
		}
	}

	tenantChanged, err := c.RefreshTenantPools(ctx)
	if err != nil {
		logger.Warn("Tenant pool refresh incomplete", "component", "RELOAD", "error", err)
	}

	c.current.Store(cfg)
	logger.Info("Configuration applied", "component", "RELOAD", "reconfigured", reconfigured+tenantChanged,
		"evicted", len(removed), "global_pools", len(globalDefs))
	return nil
}

// reconfigure hot-swaps p when def differs from what it runs with.
func (c *Coordinator) reconfigure(p *pool.Pool, def registry.Definition) bool {
	if p.Endpoint().Equal(def.Endpoint) && p.Limits() == def.Limits {
		return false
	}
	if err := p.Reconfigure(def.Endpoint, def.Limits); err != nil {
		logger.Error("Failed to reconfigure pool", "component", "RELOAD", "pool_id", p.ID(), "error", err)
		return false
	}
	metrics.PoolsReconfigured.Inc()
	return true
}

// RefreshTenantPools re-reads the definitions of live tenant pools and
// hot-swaps those that changed, e.g. after a credential rotation. It returns
// the number of pools reconfigured.
func (c *Coordinator) RefreshTenantPools(ctx context.Context) (int, error) {
	if c.factories.Tenant == nil {
		return 0, nil
	}

	live := make(map[int]*pool.Pool)
	c.registry.ForEach(func(id int, category registry.Category, p *pool.Pool) {
		if category == registry.Tenant {
			live[id] = p
		}
	})

	var errs []error
	changed := 0
	for id, p := range live {
		def, found, err := c.factories.Tenant.Refresh(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("pool %d: %w", id, err))
			continue
		}
		if !found {
			// The pool keeps serving until the reaper drops it; new lookups fail.
			logger.Warn("Live tenant pool has no definition", "component", "RELOAD", "pool_id", id)
			continue
		}
		c.factories.Tenant.Update(id, def)
		if c.reconfigure(p, def) {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}

// LoadAndApply reads, validates and applies the configuration file at path.
func (c *Coordinator) LoadAndApply(ctx context.Context, path string) error {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		metrics.ReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return c.Apply(ctx, &cfg)
}

// Watch reloads path whenever it changes. The directory is watched so
// editors that replace the file by rename are noticed.
func (c *Coordinator) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer watcher.Close()
		c.watchLoop(ctx, watcher, abs)
	}()
	logger.Info("Watching configuration", "component", "RELOAD", "path", abs, "debounce", c.opts.Debounce)
	return nil
}

func (c *Coordinator) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(c.opts.Debounce)
			} else {
				timer.Reset(c.opts.Debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Config watcher error", "component", "RELOAD", "error", err)
		case <-fire:
			fire = nil
			if err := c.LoadAndApply(ctx, path); err != nil {
				logger.Error("Configuration reload rejected", "component", "RELOAD", "path", path, "error", err)
			}
		}
	}
}

// StartTenantRefresh re-reads tenant pool definitions every
// TenantRefreshInterval until Stop.
func (c *Coordinator) StartTenantRefresh(ctx context.Context) {
	if c.opts.TenantRefreshInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.TenantRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				n, err := c.RefreshTenantPools(ctx)
				if err != nil {
					logger.Warn("Tenant pool refresh failed", "component", "RELOAD", "error", err)
				}
				if n > 0 {
					logger.Info("Tenant pools refreshed", "component", "RELOAD", "reconfigured", n)
				}
			}
		}
	}()
}

// Stop ends the watcher and refresh loops and waits for them.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

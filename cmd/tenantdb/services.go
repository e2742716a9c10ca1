package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/migadu/tenantdb/config"
	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/db"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/assignment"
	"github.com/migadu/tenantdb/pkg/dbconn"
	"github.com/migadu/tenantdb/pkg/dbservice"
	"github.com/migadu/tenantdb/pkg/health"
	"github.com/migadu/tenantdb/pkg/invalidation"
	"github.com/migadu/tenantdb/pkg/metrics"
	"github.com/migadu/tenantdb/pkg/registry"
	"github.com/migadu/tenantdb/pkg/reload"
	"github.com/migadu/tenantdb/pkg/replication"
	"github.com/migadu/tenantdb/pkg/retry"
)

// services holds everything the daemon wires together.
type services struct {
	lifecycle   *dbconn.Lifecycle
	registry    *registry.Registry
	control     *db.Database
	resolver    *assignment.Resolver
	router      *replication.Router
	service     *dbservice.Service
	coordinator *reload.Coordinator
	bus         *invalidation.Bus
	health      *health.Integration
	collector   *metrics.Collector

	closeOnce sync.Once
}

func lifecycleOptions(p *config.PoolConfig) (dbconn.Options, error) {
	connectTimeout, err := p.GetConnectTimeout()
	if err != nil {
		return dbconn.Options{}, err
	}
	openTimeout, err := p.GetDialOpenTimeout()
	if err != nil {
		return dbconn.Options{}, err
	}
	return dbconn.Options{
		ConnectTimeout:   connectTimeout,
		PingOnActivate:   p.PingOnActivate,
		LogQueries:       p.QueryLog,
		BreakerThreshold: uint32(p.GetDialFailureThreshold()),
		BreakerTimeout:   openTimeout,
	}, nil
}

func serverID(cfg *config.Config) string {
	if cfg.ServerID != "" {
		return cfg.ServerID
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func initializeServices(ctx context.Context, cfg *config.Config) (*services, error) {
	s := &services{}
	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	lcOpts, err := lifecycleOptions(&cfg.PoolDefaults)
	if err != nil {
		return nil, fmt.Errorf("pool defaults: %w", err)
	}
	s.lifecycle = dbconn.NewLifecycle(lcOpts)
	builder := registry.Builder{Lifecycle: s.lifecycle, Metrics: metrics.PoolSink{}}

	if cfg.ControlDB.AutoMigrate {
		if err := migrateControlDB(ctx, cfg, s.lifecycle); err != nil {
			return nil, err
		}
	}

	controlDefs, err := reload.ControlDefinitions(cfg)
	if err != nil {
		return nil, err
	}
	globalDefs, err := reload.GlobalDefinitions(cfg)
	if err != nil {
		return nil, err
	}
	reapInterval, _ := cfg.Registry.GetReapInterval()
	sweepInterval, _ := cfg.Registry.GetSweepInterval()
	queryTimeout, _ := cfg.ControlDB.GetQueryTimeout()

	s.registry = registry.New(registry.Options{ReapInterval: reapInterval, SweepInterval: sweepInterval})
	s.control = db.NewDatabase(s.registry, db.Options{
		ReadPool:     cfg.ControlDB.Read != nil,
		QueryTimeout: queryTimeout,
	})

	definitions := reload.NewDefinitionSource(s.control, cfg.PoolDefaults)
	factories := reload.Factories{
		Control: registry.NewStaticFactory(registry.ControlPlane, builder, controlDefs),
		Global:  registry.NewStaticFactory(registry.Global, builder, globalDefs),
		Tenant:  registry.NewLookupFactory(definitions, builder),
	}
	s.registry.AddFactory(factories.Control)
	s.registry.AddFactory(factories.Global)
	s.registry.AddFactory(factories.Tenant)

	err = retry.Do(ctx, retry.DefaultBackoffConfig(), "connect control database", func(ctx context.Context) error {
		if err := s.registry.Preload(ctx, consts.ControlWritePoolID, consts.ControlReadPoolID); err != nil {
			return err
		}
		return s.control.Ping(ctx, true)
	})
	if err != nil {
		return nil, err
	}
	s.registry.Start(ctx)

	var notifier assignment.Notifier
	if cfg.Invalidation.Enabled {
		s.bus, err = invalidation.Connect(cfg.Invalidation.NATSURL, invalidation.Options{
			Subject:  cfg.Invalidation.GetSubject(),
			ServerID: serverID(cfg),
		})
		if err != nil {
			return nil, fmt.Errorf("connect invalidation bus: %w", err)
		}
		notifier = s.bus
	}

	cacheTTL, _ := cfg.Resolver.GetCacheTTL()
	cleanupInterval, _ := cfg.Resolver.GetCleanupInterval()
	s.resolver = assignment.NewResolver(cfg.ClusterID, s.control, assignment.Options{
		CacheTTL:        cacheTTL,
		CleanupInterval: cleanupInterval,
		LoadTimeout:     queryTimeout,
		Notifier:        notifier,
	})
	if s.bus != nil {
		if err := s.bus.Subscribe(s.resolver); err != nil {
			return nil, err
		}
	}

	counterLogInterval, _ := cfg.Router.GetCounterLogInterval()
	tenantSQL := db.TenantSQL{}
	s.router = replication.NewRouter(s.registry, tenantSQL, tenantSQL, replication.Options{
		MaxAttempts:        cfg.Router.GetMaxAttempts(),
		CounterLogInterval: counterLogInterval,
	})

	s.service, err = dbservice.New(dbservice.Dependencies{
		Registry: s.registry,
		Resolver: s.resolver,
		Router:   s.router,
	})
	if err != nil {
		return nil, err
	}

	debounce, _ := cfg.Reload.GetDebounce()
	refresh, _ := cfg.Reload.GetTenantRefreshInterval()
	s.coordinator = reload.NewCoordinator(s.registry, factories, definitions, reload.Options{
		Debounce:              debounce,
		TenantRefreshInterval: refresh,
	})
	if err := s.coordinator.Apply(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.Health.Enabled {
		interval, _ := cfg.Health.GetInterval()
		s.health = health.NewIntegration(s.control)
		s.health.RegisterControlDBChecks(s.control, interval)
		s.health.RegisterPoolChecks(s.registry, s.lifecycle, interval)
		s.health.Start(ctx)
	}

	s.collector = metrics.NewCollector(s.control.StatsProvider(cfg.ClusterID), time.Minute)
	go s.collector.Start(ctx)

	logger.Info("Services initialized", "component", "DAEMON", "cluster_id", cfg.ClusterID,
		"global_pools", len(globalDefs), "invalidation", cfg.Invalidation.Enabled)
	ok = true
	return s, nil
}

func migrateControlDB(ctx context.Context, cfg *config.Config, lifecycle *dbconn.Lifecycle) error {
	connConfig, err := lifecycle.ConnConfig(reload.EndpointFromConfig(*cfg.ControlDB.Write))
	if err != nil {
		return err
	}
	timeout, _ := cfg.ControlDB.GetMigrationTimeout()
	return retry.Do(ctx, retry.DefaultBackoffConfig(), "migrate control database", func(ctx context.Context) error {
		return db.Migrate(ctx, connConfig, timeout)
	})
}

// close stops background work first, then releases every pool.
func (s *services) close() {
	s.closeOnce.Do(func() {
		if s.coordinator != nil {
			s.coordinator.Stop()
		}
		if s.health != nil {
			s.health.Stop()
		}
		if s.collector != nil {
			s.collector.Stop()
		}
		if s.bus != nil {
			s.bus.Close()
		}
		if s.registry != nil {
			s.registry.Stop()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.registry.Close(ctx)
		}
		logger.Info("Services stopped", "component", "DAEMON")
	})
}

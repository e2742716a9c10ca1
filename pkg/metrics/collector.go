package metrics

import (
	"context"
	"time"

	"github.com/migadu/tenantdb/logger"
)

// ControlStats holds aggregate counts read from the control database
type ControlStats struct {
	Tenants         int64
	Schemas         int64
	PoolDefinitions int64
}

// StatsProvider is an interface for retrieving control database statistics
type StatsProvider interface {
	ControlStats(ctx context.Context) (*ControlStats, error)
}

// Collector periodically collects and updates control-plane gauges
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.ControlStats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting metrics", "error", err)
		return
	}

	TenantsTotal.Set(float64(stats.Tenants))
	SchemasTotal.Set(float64(stats.Schemas))
	PoolDefinitionsTotal.Set(float64(stats.PoolDefinitions))

	logger.Debug("MetricsCollector: updated control metrics", "tenants", stats.Tenants,
		"schemas", stats.Schemas, "pool_definitions", stats.PoolDefinitions)
}

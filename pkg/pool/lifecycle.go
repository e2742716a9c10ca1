package pool

import (
	"context"
	"time"
)

// Lifecycle creates, checks and destroys the physical connections of a pool.
// Create is the only hook that reads the endpoint.
type Lifecycle interface {
	Create(ctx context.Context, ep Endpoint) (Conn, error)
	// Activate prepares a handle for a caller; failure retires it.
	Activate(ctx context.Context, h *Handle) error
	// Deactivate resets a returned handle; failure retires it.
	Deactivate(ctx context.Context, h *Handle) error
	Validate(ctx context.Context, h *Handle) error
	Destroy(ctx context.Context, h *Handle)
}

// MetricsSink receives pool events. Implementations must be safe for
// concurrent use and must not block.
type MetricsSink interface {
	ConnectionCreated(poolID int)
	ConnectionAcquired(poolID int, wait time.Duration)
	ConnectionDestroyed(poolID int, reason string)
	PoolSize(poolID int, idle, active int)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) ConnectionCreated(int)                 {}
func (NopMetrics) ConnectionAcquired(int, time.Duration) {}
func (NopMetrics) ConnectionDestroyed(int, string)       {}
func (NopMetrics) PoolSize(int, int, int)                {}

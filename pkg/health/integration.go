package health

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/migadu/tenantdb/db"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/circuitbreaker"
	"github.com/migadu/tenantdb/pkg/pool"
	"github.com/migadu/tenantdb/pkg/registry"
)

// Pinger reaches the control database.
type Pinger interface {
	Ping(ctx context.Context, write bool) error
}

// StatusStore persists check results, normally *db.Database.
type StatusStore interface {
	StoreHealthStatus(ctx context.Context, hostname, componentName string, status db.ComponentStatus, lastError error, checkCount, failCount int, metadata map[string]any) error
}

type Pools interface {
	ForEach(fn func(id int, category registry.Category, p *pool.Pool))
}

type Breakers interface {
	BreakerState(ep pool.Endpoint) circuitbreaker.State
}

// Integration wires the standard checks of a tenantdb process.
type Integration struct {
	monitor  *Monitor
	hostname string
	store    StatusStore
}

func NewIntegration(store StatusStore) *Integration {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	hi := &Integration{
		monitor:  NewMonitor(hostname),
		hostname: hostname,
		store:    store,
	}
	if store != nil {
		hi.monitor.OnStatusChange(hi.storeStatus)
	}
	return hi
}

func (hi *Integration) Monitor() *Monitor { return hi.monitor }
func (hi *Integration) Hostname() string  { return hi.hostname }

func (hi *Integration) Start(ctx context.Context) { hi.monitor.Start(ctx) }
func (hi *Integration) Stop()                     { hi.monitor.Stop() }

// RegisterControlDBChecks checks the write and read paths of the control
// database. Only the write path is critical.
func (hi *Integration) RegisterControlDBChecks(p Pinger, interval time.Duration) {
	hi.monitor.RegisterCheck(&Check{
		Name:     "control_db",
		Interval: interval,
		Timeout:  10 * time.Second,
		Critical: true,
		Check:    func(ctx context.Context) error { return p.Ping(ctx, true) },
	})
	hi.monitor.RegisterCheck(&Check{
		Name:     "control_db_read",
		Interval: interval,
		Timeout:  10 * time.Second,
		Check:    func(ctx context.Context) error { return p.Ping(ctx, false) },
	})
}

// RegisterPoolChecks reports pools with every slot in use and endpoints
// whose dial breaker is open.
func (hi *Integration) RegisterPoolChecks(pools Pools, breakers Breakers, interval time.Duration) {
	hi.monitor.RegisterCheck(&Check{
		Name:     "pools",
		Interval: interval,
		Timeout:  5 * time.Second,
		Check: func(context.Context) error {
			if saturated := saturatedPools(pools); len(saturated) > 0 {
				return fmt.Errorf("pools at capacity: %s", joinIDs(saturated))
			}
			return nil
		},
		Metadata: func() map[string]any { return poolMetadata(pools) },
	})
	if breakers == nil {
		return
	}
	hi.monitor.RegisterCheck(&Check{
		Name:     "dial_breakers",
		Interval: interval,
		Timeout:  5 * time.Second,
		Check: func(context.Context) error {
			var open []int
			pools.ForEach(func(id int, _ registry.Category, p *pool.Pool) {
				if breakers.BreakerState(p.Endpoint()) == circuitbreaker.StateOpen {
					open = append(open, id)
				}
			})
			if len(open) > 0 {
				return fmt.Errorf("dial breaker open for pools: %s", joinIDs(open))
			}
			return nil
		},
	})
}

func saturatedPools(pools Pools) []int {
	var ids []int
	pools.ForEach(func(id int, _ registry.Category, p *pool.Pool) {
		st := p.Stats()
		if st.Idle == 0 && st.Active+st.Pending >= st.MaxSize {
			ids = append(ids, id)
		}
	})
	return ids
}

func poolMetadata(pools Pools) map[string]any {
	byCategory := make(map[string]int)
	active, idle := 0, 0
	pools.ForEach(func(_ int, category registry.Category, p *pool.Pool) {
		st := p.Stats()
		byCategory[category.String()]++
		active += st.Active
		idle += st.Idle
	})
	return map[string]any{
		"pools":          byCategory,
		"active_handles": active,
		"idle_handles":   idle,
	}
}

func joinIDs(ids []int) string {
	sort.Ints(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}

func (hi *Integration) storeStatus(r Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := hi.store.StoreHealthStatus(ctx, hi.hostname, r.Name, db.ComponentStatus(r.Status), r.err, r.CheckCount, r.FailCount, r.metadata); err != nil {
		logger.Warn("Failed to store health status", "component", "HEALTH", "check", r.Name, "error", err)
	}
}

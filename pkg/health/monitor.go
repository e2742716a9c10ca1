// Package health runs periodic component checks and derives an overall
// status from them.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

func (s ComponentStatus) gaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	}
	return 0
}

type Check struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // failure makes the overall status unhealthy
	// Metadata is stored next to the status, optional.
	Metadata func() map[string]any

	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// Result is a point-in-time view of a check.
type Result struct {
	Name       string          `json:"name"`
	Status     ComponentStatus `json:"status"`
	Critical   bool            `json:"critical"`
	LastCheck  time.Time       `json:"last_check"`
	LastError  string          `json:"last_error,omitempty"`
	CheckCount int             `json:"check_count"`
	FailCount  int             `json:"fail_count"`

	err      error
	metadata map[string]any
}

func (c *Check) result() Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := Result{
		Name:       c.Name,
		Status:     c.status,
		Critical:   c.Critical,
		LastCheck:  c.lastCheck,
		CheckCount: c.checkCount,
		FailCount:  c.failCount,
		err:        c.lastError,
	}
	if c.lastError != nil {
		r.LastError = c.lastError.Error()
	}
	return r
}

type Monitor struct {
	hostname string

	mu        sync.RWMutex
	checks    map[string]*Check
	overall   ComponentStatus
	callbacks []func(Result)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(hostname string) *Monitor {
	return &Monitor{
		hostname: hostname,
		checks:   make(map[string]*Check),
		overall:  StatusHealthy,
	}
}

func (m *Monitor) RegisterCheck(c *Check) {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	c.status = StatusHealthy

	m.mu.Lock()
	m.checks[c.Name] = c
	m.mu.Unlock()
}

// OnStatusChange registers fn to run after a check changes status or runs
// for the first time. Callbacks run on the checking goroutine.
func (m *Monitor) OnStatusChange(fn func(Result)) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Start runs every check on its own interval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.checks {
		m.wg.Add(1)
		go m.run(ctx, c)
	}
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, c *Check) {
	defer m.wg.Done()
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	logger.Info("Started health check", "component", "HEALTH", "check", c.Name, "interval", c.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.perform(ctx, c)
		}
	}
}

// RunOnce performs every check once, in name order.
func (m *Monitor) RunOnce(ctx context.Context) {
	m.mu.RLock()
	checks := make([]*Check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	for _, c := range checks {
		m.perform(ctx, c)
	}
}

func (m *Monitor) perform(ctx context.Context, c *Check) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := time.Now()
	err := m.invoke(ctx, c)
	metrics.ComponentHealthCheckDuration.WithLabelValues(c.Name, m.hostname).Observe(time.Since(start).Seconds())

	c.mu.Lock()
	c.checkCount++
	c.lastCheck = time.Now()
	previous := c.status
	first := c.checkCount == 1
	if err != nil {
		c.failCount++
		c.lastError = err
		// A single failure degrades; a majority of failures is unhealthy.
		if float64(c.failCount)/float64(c.checkCount) >= 0.5 {
			c.status = StatusUnhealthy
		} else {
			c.status = StatusDegraded
		}
	} else {
		c.lastError = nil
		c.status = StatusHealthy
	}
	current := c.status
	c.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(c.Name, m.hostname, string(current)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(c.Name, m.hostname).Set(current.gaugeValue())

	if err != nil {
		logger.Warn("Health check failed", "component", "HEALTH", "check", c.Name, "status", current, "error", err)
	}
	if first || previous != current {
		if !first {
			logger.Info("Health status changed", "component", "HEALTH", "check", c.Name, "from", previous, "to", current)
		}
		m.notify(c)
	}
	m.updateOverall()
}

func (m *Monitor) invoke(ctx context.Context, c *Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.Error("Health check panicked", "component", "HEALTH", "check", c.Name, "panic", r)
		}
	}()
	return c.Check(ctx)
}

func (m *Monitor) notify(c *Check) {
	r := c.result()
	if c.Metadata != nil {
		r.metadata = c.Metadata()
	}
	m.mu.RLock()
	callbacks := append([]func(Result){}, m.callbacks...)
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn(r)
	}
}

func (m *Monitor) updateOverall() {
	m.mu.Lock()
	defer m.mu.Unlock()

	overall := StatusHealthy
	for _, c := range m.checks {
		c.mu.RLock()
		status, critical := c.status, c.Critical
		c.mu.RUnlock()

		switch {
		case critical && (status == StatusUnhealthy || status == StatusUnreachable):
			overall = StatusUnhealthy
		case status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	if overall != m.overall {
		logger.Info("Overall health changed", "component", "HEALTH", "from", m.overall, "to", overall)
		m.overall = overall
	}
}

func (m *Monitor) OverallStatus() ComponentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overall
}

// Results returns every check ordered by name.
func (m *Monitor) Results() []Result {
	m.mu.RLock()
	results := make([]Result, 0, len(m.checks))
	for _, c := range m.checks {
		results = append(results, c.result())
	}
	m.mu.RUnlock()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func (m *Monitor) Status(name string) (ComponentStatus, bool) {
	m.mu.RLock()
	c, ok := m.checks[name]
	m.mu.RUnlock()
	if !ok {
		return StatusUnreachable, false
	}
	return c.result().Status, true
}

// Package pool implements a bounded, health-checked pool of database
// connection handles.
//
// A Pool never talks to a database itself. Creating, checking and closing
// physical connections is delegated to an injected Lifecycle, and every event
// is reported to a MetricsSink. The endpoint and limits can be swapped at
// runtime with Reconfigure without closing handles that are in use.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/logger"
)

// maxActivateAttempts bounds how many freshly obtained handles a single
// checkout may discard because Activate failed.
const maxActivateAttempts = 3

// destroyTimeout bounds Destroy calls made without a caller context.
const destroyTimeout = 5 * time.Second

// Destroy reasons reported to the metrics sink.
const (
	reasonInvalid    = "invalid"
	reasonActivate   = "activate_failed"
	reasonDeactivate = "deactivate_failed"
	reasonExpired    = "expired"
	reasonIdle       = "idle"
	reasonDeprecated = "deprecated"
	reasonClosed     = "closed"
)

// Config describes a pool at construction time.
type Config struct {
	ID        int
	Name      string
	Endpoint  Endpoint
	Limits    Limits
	Lifecycle Lifecycle
	Metrics   MetricsSink
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Idle      int    `json:"idle"`
	Active    int    `json:"active"`
	Pending   int    `json:"pending"`
	MinSize   int    `json:"min_size"`
	MaxSize   int    `json:"max_size"`
	Endpoint  string `json:"endpoint"`
	Closed    bool   `json:"closed"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
	Checkouts uint64 `json:"checkouts"`
	Waits     uint64 `json:"waits"`
	Timeouts  uint64 `json:"timeouts"`
	Exhausted uint64 `json:"exhausted"`
}

// Pool hands out handles bounded by Limits.MaxSize.
//
// Handles are in exactly one of three places: the idle stack, the active set
// (checked out to a caller) or pending (being created, validated or returned
// outside the lock). Pending handles hold a slot so the bound is never
// exceeded while hooks run.
type Pool struct {
	id        int
	name      string
	lifecycle Lifecycle
	metrics   MetricsSink

	mu        sync.Mutex
	endpoint  Endpoint
	limits    Limits
	gen       uint64
	idle      []*Handle
	active    map[*Handle]struct{}
	pending   int
	closed    bool
	available chan struct{}

	nextID    atomic.Uint64
	created   atomic.Uint64
	destroyed atomic.Uint64
	checkouts atomic.Uint64
	waits     atomic.Uint64
	timeouts  atomic.Uint64
	exhausted atomic.Uint64
}

// New creates an empty pool. Call Prefill to open MinSize connections.
func New(cfg Config) (*Pool, error) {
	if cfg.Lifecycle == nil {
		return nil, fmt.Errorf("pool %d: lifecycle is required", cfg.ID)
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("pool %d: %w", cfg.ID, err)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("pool-%d", cfg.ID)
	}
	return &Pool{
		id:        cfg.ID,
		name:      name,
		lifecycle: cfg.Lifecycle,
		metrics:   metrics,
		endpoint:  cfg.Endpoint,
		limits:    cfg.Limits,
		active:    make(map[*Handle]struct{}),
		available: make(chan struct{}),
	}, nil
}

func (p *Pool) ID() int      { return p.id }
func (p *Pool) Name() string { return p.name }

// Endpoint returns the current connection target.
func (p *Pool) Endpoint() Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

// Limits returns the current limits.
func (p *Pool) Limits() Limits {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limits
}

// Checkout returns a validated, activated handle. When the pool is full the
// configured ExhaustedAction decides whether to wait, grow or fail.
func (p *Pool) Checkout(ctx context.Context) (*Handle, error) {
	return p.checkout(ctx, false)
}

// CheckoutNoTimeout is Checkout for long-running work: the handle is never
// reported as long-held by Sweep.
func (p *Pool) CheckoutNoTimeout(ctx context.Context) (*Handle, error) {
	return p.checkout(ctx, true)
}

func (p *Pool) checkout(ctx context.Context, noTimeout bool) (*Handle, error) {
	start := time.Now()
	var (
		timer    *time.Timer
		deadline <-chan time.Time
		failures int
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool %d: %w", p.id, consts.ErrPoolClosed)
		}
		limits := p.limits

		var (
			h     *Handle
			fresh bool
		)
		if n := len(p.idle); n > 0 {
			h = p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			p.pending++
			p.mu.Unlock()

			if reason := p.retireReason(h, limits, time.Now()); reason != "" {
				p.drop(ctx, h, reason)
				continue
			}
			if limits.TestOnCheckout {
				if err := p.lifecycle.Validate(ctx, h); err != nil {
					logger.Debug("Idle connection failed validation", "component", "POOL", "pool_id", p.id, "handle_id", h.id, "error", err)
					p.drop(ctx, h, reasonInvalid)
					continue
				}
			}
		} else if len(p.active)+p.pending < limits.MaxSize || limits.ExhaustedAction == Grow {
			p.pending++
			endpoint, gen := p.endpoint, p.gen
			p.mu.Unlock()

			var err error
			h, err = p.create(ctx, endpoint, gen)
			if err != nil {
				p.release()
				return nil, fmt.Errorf("pool %d: %w: %w", p.id, consts.ErrCreateFailed, err)
			}
			fresh = true
		} else {
			if limits.ExhaustedAction == Fail {
				p.mu.Unlock()
				p.exhausted.Add(1)
				return nil, fmt.Errorf("pool %d: %w", p.id, consts.ErrPoolExhausted)
			}
			wait := p.available
			p.mu.Unlock()

			if timer == nil && limits.MaxWaitTime > 0 {
				timer = time.NewTimer(limits.MaxWaitTime)
				deadline = timer.C
			}
			p.waits.Add(1)
			select {
			case <-wait:
				continue
			case <-deadline:
				p.timeouts.Add(1)
				return nil, fmt.Errorf("pool %d: waited %s: %w", p.id, limits.MaxWaitTime, consts.ErrCheckoutTimeout)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := p.lifecycle.Activate(ctx, h); err != nil {
			p.drop(ctx, h, reasonActivate)
			if !fresh {
				// Stale idle handle; the next pass reuses or creates another.
				continue
			}
			failures++
			if failures >= maxActivateAttempts {
				return nil, fmt.Errorf("pool %d: activation failed %d times: %w: %w", p.id, failures, consts.ErrCreateFailed, err)
			}
			continue
		}

		p.mu.Lock()
		if p.closed || h.gen != p.gen {
			// Closed or reconfigured while the hooks ran.
			closed := p.closed
			p.mu.Unlock()
			if closed {
				p.drop(ctx, h, reasonClosed)
				return nil, fmt.Errorf("pool %d: %w", p.id, consts.ErrPoolClosed)
			}
			p.drop(ctx, h, reasonDeprecated)
			continue
		}
		p.pending--
		p.active[h] = struct{}{}
		h.checkedOutAt = time.Now()
		h.noTimeout = noTimeout
		if p.limits.CaptureStackTraces {
			h.stack = debug.Stack()
		}
		p.reportSizeLocked()
		p.mu.Unlock()

		p.checkouts.Add(1)
		p.metrics.ConnectionAcquired(p.id, time.Since(start))
		return h, nil
	}
}

// Checkin returns a handle to the pool. Handles that are deprecated, expired,
// fail deactivation or fail return validation are destroyed. A handle that is
// not checked out from this pool is ignored.
func (p *Pool) Checkin(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	if h.pool != p {
		logger.Error("Checkin of handle owned by another pool", "component", "POOL", "pool_id", p.id, "handle_pool_id", h.pool.id, "handle_id", h.id)
		return
	}

	p.mu.Lock()
	if _, ok := p.active[h]; !ok {
		p.mu.Unlock()
		logger.Warn("Checkin of handle that is not checked out", "component", "POOL", "pool_id", p.id, "handle_id", h.id)
		return
	}
	delete(p.active, h)
	p.pending++
	limits, closed := p.limits, p.closed
	h.stack = nil
	h.noTimeout = false
	p.mu.Unlock()

	switch {
	case closed:
		p.drop(ctx, h, reasonClosed)
		return
	case h.deprecated.Load():
		p.drop(ctx, h, reasonDeprecated)
		return
	}
	if reason := p.retireReason(h, limits, time.Now()); reason != "" {
		p.drop(ctx, h, reason)
		return
	}
	if err := p.lifecycle.Deactivate(ctx, h); err != nil {
		logger.Debug("Returned connection failed deactivation", "component", "POOL", "pool_id", p.id, "handle_id", h.id, "error", err)
		p.drop(ctx, h, reasonDeactivate)
		return
	}
	if limits.TestOnReturn {
		if err := p.lifecycle.Validate(ctx, h); err != nil {
			logger.Debug("Returned connection failed validation", "component", "POOL", "pool_id", p.id, "handle_id", h.id, "error", err)
			p.drop(ctx, h, reasonInvalid)
			return
		}
	}

	p.mu.Lock()
	if p.closed || h.gen != p.gen || h.deprecated.Load() {
		p.mu.Unlock()
		p.drop(ctx, h, reasonDeprecated)
		return
	}
	p.pending--
	h.returnedAt = time.Now()
	p.idle = append(p.idle, h)
	p.signalLocked()
	p.reportSizeLocked()
	p.mu.Unlock()
}

// Reconfigure swaps the endpoint and limits. Idle handles are destroyed,
// handles in use are marked deprecated and destroyed when they come back.
func (p *Pool) Reconfigure(ep Endpoint, limits Limits) error {
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("pool %d: %w", p.id, err)
	}

	p.mu.Lock()
	p.endpoint = ep
	p.limits = limits
	p.gen++
	detached := p.idle
	p.idle = nil
	for h := range p.active {
		h.deprecated.Store(true)
	}
	deprecated := len(p.active)
	p.signalLocked()
	p.reportSizeLocked()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	for _, h := range detached {
		p.destroy(ctx, h, reasonDeprecated)
	}

	logger.Info("Pool reconfigured", "component", "POOL", "pool_id", p.id, "endpoint", ep.String(),
		"max_size", limits.MaxSize, "idle_closed", len(detached), "active_deprecated", deprecated)

	p.mu.Lock()
	p.signalLocked()
	p.mu.Unlock()
	return nil
}

// Sweep destroys idle handles past MaxIdleTime or MaxLifetime, validates the
// rest when TestOnIdleSweep is set, reports long-held handles and refills the
// pool to MinSize.
func (p *Pool) Sweep(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	limits := p.limits
	var expired, check []*Handle
	kept := p.idle[:0]
	for _, h := range p.idle {
		switch {
		case p.retireReason(h, limits, now) != "":
			expired = append(expired, h)
		case limits.MaxIdleTime > 0 && now.Sub(h.returnedAt) >= limits.MaxIdleTime:
			expired = append(expired, h)
		case limits.TestOnIdleSweep:
			check = append(check, h)
		default:
			kept = append(kept, h)
		}
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.pending += len(expired) + len(check)

	type longHeld struct {
		id    uint64
		held  time.Duration
		stack []byte
	}
	var held []longHeld
	if limits.LongHeldWarning > 0 {
		for h := range p.active {
			if h.noTimeout {
				continue
			}
			if d := now.Sub(h.checkedOutAt); d >= limits.LongHeldWarning {
				held = append(held, longHeld{id: h.id, held: d, stack: h.stack})
			}
		}
	}
	p.mu.Unlock()

	for _, h := range expired {
		p.drop(ctx, h, reasonIdle)
	}
	for _, h := range check {
		if err := p.lifecycle.Validate(ctx, h); err != nil {
			logger.Debug("Idle connection failed sweep validation", "component", "POOL", "pool_id", p.id, "handle_id", h.id, "error", err)
			p.drop(ctx, h, reasonInvalid)
			continue
		}
		p.mu.Lock()
		if p.closed || h.gen != p.gen {
			p.mu.Unlock()
			p.drop(ctx, h, reasonDeprecated)
			continue
		}
		p.pending--
		p.idle = append(p.idle, h)
		p.signalLocked()
		p.mu.Unlock()
	}

	for _, lh := range held {
		args := []any{"component", "POOL", "pool_id", p.id, "handle_id", lh.id, "held", lh.held.Round(time.Second)}
		if len(lh.stack) > 0 {
			args = append(args, "stack", string(lh.stack))
		}
		logger.Warn("Connection checked out for longer than expected", args...)
	}

	if err := p.Prefill(ctx); err != nil {
		logger.Warn("Failed to refill pool to minimum size", "component", "POOL", "pool_id", p.id, "error", err)
	}
}

// Prefill opens connections until the pool holds MinSize handles.
func (p *Pool) Prefill(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		live := len(p.idle) + len(p.active) + p.pending
		if p.closed || live >= p.limits.MinSize || live >= p.limits.MaxSize {
			p.mu.Unlock()
			return nil
		}
		p.pending++
		endpoint, gen := p.endpoint, p.gen
		p.mu.Unlock()

		h, err := p.create(ctx, endpoint, gen)
		if err != nil {
			p.release()
			return fmt.Errorf("pool %d: %w: %w", p.id, consts.ErrCreateFailed, err)
		}

		p.mu.Lock()
		if p.closed || h.gen != p.gen {
			p.mu.Unlock()
			p.drop(ctx, h, reasonDeprecated)
			continue
		}
		p.pending--
		h.returnedAt = time.Now()
		p.idle = append(p.idle, h)
		p.signalLocked()
		p.reportSizeLocked()
		p.mu.Unlock()
	}
}

// TryClose closes the pool only if it holds no handles. The check and the
// close happen under the pool lock, so a concurrent checkout either sees the
// pool closed or keeps it alive.
func (p *Pool) TryClose() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return true
	}
	if len(p.idle)+len(p.active)+p.pending > 0 {
		return false
	}
	p.closed = true
	p.signalLocked()
	return true
}

// Close destroys idle handles and wakes every waiter with ErrPoolClosed.
// Handles in use are destroyed when they are checked in.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.signalLocked()
	p.reportSizeLocked()
	p.mu.Unlock()

	for _, h := range idle {
		p.destroy(ctx, h, reasonClosed)
	}
}

// Size returns the number of live handles, including those being created or returned.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + len(p.active) + p.pending
}

// IsEmpty reports whether the pool holds no handles at all.
func (p *Pool) IsEmpty() bool {
	return p.Size() == 0
}

// IsClosed reports whether Close or a successful TryClose ran.
func (p *Pool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		ID:       p.id,
		Name:     p.name,
		Idle:     len(p.idle),
		Active:   len(p.active),
		Pending:  p.pending,
		MinSize:  p.limits.MinSize,
		MaxSize:  p.limits.MaxSize,
		Endpoint: p.endpoint.String(),
		Closed:   p.closed,
	}
	p.mu.Unlock()
	s.Created = p.created.Load()
	s.Destroyed = p.destroyed.Load()
	s.Checkouts = p.checkouts.Load()
	s.Waits = p.waits.Load()
	s.Timeouts = p.timeouts.Load()
	s.Exhausted = p.exhausted.Load()
	return s
}

func (p *Pool) create(ctx context.Context, ep Endpoint, gen uint64) (*Handle, error) {
	conn, err := p.lifecycle.Create(ctx, ep)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	h := &Handle{
		id:         p.nextID.Add(1),
		conn:       conn,
		pool:       p,
		createdAt:  now,
		gen:        gen,
		returnedAt: now,
	}
	p.created.Add(1)
	p.metrics.ConnectionCreated(p.id)
	return h, nil
}

func (p *Pool) retireReason(h *Handle, limits Limits, now time.Time) string {
	if h.deprecated.Load() {
		return reasonDeprecated
	}
	if limits.MaxLifetime > 0 && now.Sub(h.createdAt) >= limits.MaxLifetime {
		return reasonExpired
	}
	return ""
}

// drop destroys a pending handle and frees its slot.
func (p *Pool) drop(ctx context.Context, h *Handle, reason string) {
	p.destroy(ctx, h, reason)
	p.release()
}

// release frees a pending slot and wakes waiters.
func (p *Pool) release() {
	p.mu.Lock()
	p.pending--
	p.signalLocked()
	p.reportSizeLocked()
	p.mu.Unlock()
}

func (p *Pool) destroy(ctx context.Context, h *Handle, reason string) {
	if ctx.Err() != nil {
		// The caller gave up; the connection still has to be closed.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
		defer cancel()
	}
	p.lifecycle.Destroy(ctx, h)
	p.destroyed.Add(1)
	p.metrics.ConnectionDestroyed(p.id, reason)
}

// signalLocked wakes every goroutine waiting for a handle.
func (p *Pool) signalLocked() {
	close(p.available)
	p.available = make(chan struct{})
}

func (p *Pool) reportSizeLocked() {
	p.metrics.PoolSize(p.id, len(p.idle), len(p.active))
}

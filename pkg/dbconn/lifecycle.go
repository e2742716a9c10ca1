package dbconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/circuitbreaker"
	"github.com/migadu/tenantdb/pkg/metrics"
	"github.com/migadu/tenantdb/pkg/pool"
)

// ErrUnhealthy is returned by Validate for connections that must be retired.
var ErrUnhealthy = errors.New("connection unhealthy")

const destroyTimeout = 5 * time.Second

// Options configures the pgx lifecycle.
type Options struct {
	ConnectTimeout   time.Duration // default 10s
	PingOnActivate   bool
	LogQueries       bool
	Probe            HealthProbe   // default PgxProbe
	BreakerThreshold uint32        // consecutive dial failures before failing fast, default 5
	BreakerTimeout   time.Duration // how long dialing fails fast, default 30s
}

// Lifecycle implements pool.Lifecycle for PostgreSQL.
type Lifecycle struct {
	opts Options

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.Breaker
}

var _ pool.Lifecycle = (*Lifecycle)(nil)

func NewLifecycle(opts Options) *Lifecycle {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Probe == nil {
		opts.Probe = PgxProbe{}
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	return &Lifecycle{
		opts:     opts,
		breakers: make(map[string]*circuitbreaker.Breaker),
	}
}

// ConnConfig builds the pgx configuration for an endpoint. Credentials and
// runtime parameters set on the endpoint override those in the URL.
func (l *Lifecycle) ConnConfig(ep pool.Endpoint) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %s: %w", ep.String(), err)
	}
	if ep.User != "" {
		cfg.User = ep.User
	}
	if ep.Password != "" {
		cfg.Password = ep.Password
	}
	for k, v := range ep.Params {
		cfg.RuntimeParams[k] = v
	}
	cfg.ConnectTimeout = l.opts.ConnectTimeout

	if ep.TLS.Mode != "" {
		tlsConfig, err := buildTLSConfig(ep.TLS, cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.String(), err)
		}
		cfg.TLSConfig = tlsConfig
		cfg.Fallbacks = nil
	}

	if l.opts.LogQueries {
		cfg.Tracer = QueryTracer{}
	}
	return cfg, nil
}

// Create dials the endpoint through its breaker.
func (l *Lifecycle) Create(ctx context.Context, ep pool.Endpoint) (pool.Conn, error) {
	cfg, err := l.ConnConfig(ep)
	if err != nil {
		return nil, err
	}

	key := breakerKey(ep)
	var conn *pgx.Conn
	err = l.breaker(key).Do(ctx, func(ctx context.Context) error {
		c, err := pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if !errors.Is(err, circuitbreaker.ErrOpen) && !errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			metrics.DialFailures.WithLabelValues(key).Inc()
		}
		return nil, fmt.Errorf("dial %s: %w", ep.String(), err)
	}
	return NewConn(conn), nil
}

func (l *Lifecycle) Activate(ctx context.Context, h *pool.Handle) error {
	if !l.opts.PingOnActivate {
		return nil
	}
	c, err := FromHandle(h)
	if err != nil {
		return err
	}
	return c.pgx.Ping(ctx)
}

// Deactivate rejects connections returned inside a transaction.
func (l *Lifecycle) Deactivate(_ context.Context, h *pool.Handle) error {
	c, err := FromHandle(h)
	if err != nil {
		return err
	}
	if status := c.pgx.PgConn().TxStatus(); status != 'I' {
		return fmt.Errorf("%w: returned with transaction status %q", ErrUnhealthy, status)
	}
	return nil
}

// Validate fails for closed connections, connections inside a transaction
// and connections still busy with an unread result.
func (l *Lifecycle) Validate(_ context.Context, h *pool.Handle) error {
	c, err := FromHandle(h)
	if err != nil {
		return err
	}
	if !l.opts.Probe.IsHealthy(c) {
		return fmt.Errorf("%w: closed", ErrUnhealthy)
	}
	pc := c.pgx.PgConn()
	if pc.IsBusy() {
		return fmt.Errorf("%w: busy with an open result", ErrUnhealthy)
	}
	if status := pc.TxStatus(); status != 'I' {
		return fmt.Errorf("%w: transaction status %q", ErrUnhealthy, status)
	}
	return nil
}

func (l *Lifecycle) Destroy(ctx context.Context, h *pool.Handle) {
	c, err := FromHandle(h)
	if err != nil {
		logger.Error("Cannot destroy handle", "component", "POOL", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, destroyTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		logger.Debug("Error closing connection", "component", "POOL", "pool_id", h.PoolID(), "handle_id", h.ID(), "error", err)
	}
}

// BreakerState returns the dial breaker state of an endpoint.
func (l *Lifecycle) BreakerState(ep pool.Endpoint) circuitbreaker.State {
	return l.breaker(breakerKey(ep)).State()
}

func (l *Lifecycle) breaker(key string) *circuitbreaker.Breaker {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.breakers[key]; ok {
		return b
	}
	b := circuitbreaker.New(circuitbreaker.Settings{
		Name:        key,
		ReadyToTrip: circuitbreaker.ConsecutiveFailures(l.opts.BreakerThreshold),
		OpenTimeout: l.opts.BreakerTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.DialBreakerState.WithLabelValues(name).Set(float64(to))
			if to == circuitbreaker.StateOpen {
				logger.Warn("Dial breaker opened", "component", "POOL", "endpoint", name, "from", from.String())
			} else {
				logger.Info("Dial breaker state changed", "component", "POOL", "endpoint", name, "from", from.String(), "to", to.String())
			}
		},
	})
	l.breakers[key] = b
	return b
}

// breakerKey identifies an endpoint without its credentials.
func breakerKey(ep pool.Endpoint) string {
	return ep.String()
}

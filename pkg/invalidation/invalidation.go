// Package invalidation carries assignment invalidations between processes
// over NATS, so a tenant moved by one server is re-resolved by all of them.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/assignment"
	"github.com/migadu/tenantdb/pkg/metrics"
)

// Message is the payload published for every invalidation.
type Message struct {
	ServerID  string `json:"server_id"`
	ClusterID int    `json:"cluster_id"`
	TenantIDs []int  `json:"tenant_ids"`
}

// Target drops cached assignments without notifying again.
// *assignment.Resolver implements it.
type Target interface {
	ClusterID() int
	InvalidateLocal(tenantIDs ...int)
}

type Options struct {
	Subject  string
	ServerID string
	// FlushTimeout bounds the wait for the server to acknowledge a publish.
	FlushTimeout time.Duration
}

// Bus publishes and receives invalidations on one subject.
type Bus struct {
	nc   *nats.Conn
	opts Options
	sub  *nats.Subscription
}

var _ assignment.Notifier = (*Bus)(nil)

// Connect dials NATS and reconnects forever in the background.
func Connect(url string, opts Options) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("tenantdb-"+opts.ServerID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "component", "INVALIDATION", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "component", "INVALIDATION", "url", c.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("NATS error", "component", "INVALIDATION", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewBus(nc, opts), nil
}

// NewBus wraps an established connection.
func NewBus(nc *nats.Conn, opts Options) *Bus {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 2 * time.Second
	}
	return &Bus{nc: nc, opts: opts}
}

// PublishInvalidation announces that tenantIDs of clusterID were changed.
func (b *Bus) PublishInvalidation(ctx context.Context, clusterID int, tenantIDs []int) error {
	if len(tenantIDs) == 0 {
		return nil
	}
	data, err := json.Marshal(Message{ServerID: b.opts.ServerID, ClusterID: clusterID, TenantIDs: tenantIDs})
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.opts.Subject, data); err != nil {
		metrics.InvalidationMessages.WithLabelValues("publish_error").Inc()
		return fmt.Errorf("publish invalidation: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.FlushTimeout)
	defer cancel()
	if err := b.nc.FlushWithContext(ctx); err != nil {
		metrics.InvalidationMessages.WithLabelValues("publish_error").Inc()
		return fmt.Errorf("flush invalidation: %w", err)
	}
	metrics.InvalidationMessages.WithLabelValues("published").Inc()
	return nil
}

// Subscribe forwards invalidations from other servers to target.
func (b *Bus) Subscribe(target Target) error {
	if b.sub != nil {
		return errors.New("already subscribed")
	}
	sub, err := b.nc.Subscribe(b.opts.Subject, func(msg *nats.Msg) {
		b.handle(target, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.opts.Subject, err)
	}
	b.sub = sub
	logger.Info("Listening for assignment invalidations", "component", "INVALIDATION", "subject", b.opts.Subject)
	return nil
}

// handle applies one message. Our own messages and those of other clusters
// are ignored.
func (b *Bus) handle(target Target, data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		metrics.InvalidationMessages.WithLabelValues("malformed").Inc()
		logger.Warn("Malformed invalidation message", "component", "INVALIDATION", "error", err)
		return
	}
	if m.ServerID == b.opts.ServerID || m.ClusterID != target.ClusterID() {
		metrics.InvalidationMessages.WithLabelValues("ignored").Inc()
		return
	}
	target.InvalidateLocal(m.TenantIDs...)
	metrics.InvalidationMessages.WithLabelValues("received").Inc()
	logger.Debug("Applied remote invalidation", "component", "INVALIDATION", "from", m.ServerID,
		"tenants", len(m.TenantIDs))
}

// Close unsubscribes and drains the connection.
func (b *Bus) Close() {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			logger.Debug("Unsubscribe failed", "component", "INVALIDATION", "error", err)
		}
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

package pool

import (
	"context"
	"sync/atomic"
	"time"
)

// Conn is the physical connection a handle wraps.
type Conn interface {
	Close(ctx context.Context) error
}

// Handle wraps one physical connection owned by a pool. A checked-out handle
// belongs to exactly one caller until it is checked back in.
type Handle struct {
	id        uint64
	conn      Conn
	pool      *Pool
	createdAt time.Time
	gen       uint64

	deprecated atomic.Bool

	// Guarded by pool.mu.
	checkedOutAt time.Time
	returnedAt   time.Time
	noTimeout    bool
	stack        []byte

	// Owned by whoever holds the handle.
	schema string
}

func (h *Handle) ID() uint64           { return h.id }
func (h *Handle) Conn() Conn           { return h.conn }
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Pool returns the pool the handle belongs to.
func (h *Handle) Pool() *Pool { return h.pool }

// PoolID returns the id of the owning pool.
func (h *Handle) PoolID() int { return h.pool.id }

// Deprecated reports whether the handle will be destroyed on checkin because
// the pool was reconfigured while it was in use.
func (h *Handle) Deprecated() bool { return h.deprecated.Load() }

// Schema returns the schema last selected on the connection, empty when unknown.
func (h *Handle) Schema() string { return h.schema }

// SetSchema records the schema selected on the connection.
func (h *Handle) SetSchema(schema string) { h.schema = schema }

// NoTimeout reports whether the handle was checked out exempt from long-held warnings.
func (h *Handle) NoTimeout() bool {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.noTimeout
}

// CheckedOutAt returns the time of the last checkout.
func (h *Handle) CheckedOutAt() time.Time {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.checkedOutAt
}

// Stack returns the stack captured at checkout, if capture is enabled.
func (h *Handle) Stack() []byte {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.stack
}

// Package dbconn implements the pool lifecycle for PostgreSQL connections
// opened with pgx.
package dbconn

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/tenantdb/pkg/pool"
)

// Conn is a physical pgx connection owned by a pool handle.
type Conn struct {
	pgx *pgx.Conn
}

// NewConn wraps an open pgx connection.
func NewConn(c *pgx.Conn) *Conn {
	return &Conn{pgx: c}
}

// Pgx returns the underlying driver connection.
func (c *Conn) Pgx() *pgx.Conn { return c.pgx }

func (c *Conn) Close(ctx context.Context) error {
	return c.pgx.Close(ctx)
}

// FromHandle returns the pgx connection behind a pool handle.
func FromHandle(h *pool.Handle) (*Conn, error) {
	if h == nil {
		return nil, fmt.Errorf("nil handle")
	}
	c, ok := h.Conn().(*Conn)
	if !ok {
		return nil, fmt.Errorf("handle %d holds %T, not a pgx connection", h.ID(), h.Conn())
	}
	return c, nil
}

// HealthProbe inspects a connection without talking to the server.
type HealthProbe interface {
	IsHealthy(c *Conn) bool
}

// PgxProbe treats a connection as healthy while neither pgx nor the
// underlying pgconn consider it closed.
type PgxProbe struct{}

func (PgxProbe) IsHealthy(c *Conn) bool {
	if c == nil || c.pgx == nil {
		return false
	}
	return !c.pgx.IsClosed() && !c.pgx.PgConn().IsClosed()
}

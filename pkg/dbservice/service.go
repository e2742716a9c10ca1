// Package dbservice is the host-facing entry point: it resolves tenants,
// routes them to a pool and hands back connections.
//
//	conn, err := svc.GetConnection(ctx, tenantID, dbservice.Write)
//	if err != nil {
//		return err
//	}
//	defer svc.BackConnection(ctx, conn)
//	_, err = conn.Pgx().Exec(ctx, "UPDATE ...")
//
// A connection checked out for writing but only used for reading must be
// returned with BackConnectionAfterReading so no write is recorded.
package dbservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/tenantdb/pkg/assignment"
	"github.com/migadu/tenantdb/pkg/dbconn"
	"github.com/migadu/tenantdb/pkg/pool"
	"github.com/migadu/tenantdb/pkg/registry"
	"github.com/migadu/tenantdb/pkg/replication"
)

// Intent tells the router whether a request may be served by a replica.
type Intent int

const (
	Read Intent = iota
	Write
)

func (i Intent) String() string {
	if i == Write {
		return "write"
	}
	return "read"
}

// Connection is a routed connection. Return it exactly once.
type Connection struct {
	lease *replication.Lease
}

// Handle returns the pooled handle.
func (c *Connection) Handle() *pool.Handle { return c.lease.Handle() }
func (c *Connection) PoolID() int          { return c.lease.PoolID() }
func (c *Connection) Schema() string       { return c.lease.Handle().Schema() }

// ReadFallback reports whether a read was served by the write node because
// the replica was unavailable or behind.
func (c *Connection) ReadFallback() bool { return c.lease.ReadFallback() }

// TenantID returns the tenant the connection was routed for; ok is false
// for direct pool connections.
func (c *Connection) TenantID() (id int, ok bool) {
	if a := c.lease.Assignment(); a != nil {
		return a.TenantID(), true
	}
	return 0, false
}

// Pgx returns the underlying driver connection, nil when the pool does not
// hold pgx connections.
func (c *Connection) Pgx() *pgx.Conn {
	dc, err := dbconn.FromHandle(c.lease.Handle())
	if err != nil {
		return nil
	}
	return dc.Pgx()
}

// Dependencies are the collaborators of a Service. All are required.
type Dependencies struct {
	Registry *registry.Registry
	Resolver *assignment.Resolver
	Router   *replication.Router
}

type Service struct {
	registry *registry.Registry
	resolver *assignment.Resolver
	router   *replication.Router
}

func New(deps Dependencies) (*Service, error) {
	if deps.Registry == nil || deps.Resolver == nil || deps.Router == nil {
		return nil, errors.New("dbservice: registry, resolver and router are required")
	}
	return &Service{
		registry: deps.Registry,
		resolver: deps.Resolver,
		router:   deps.Router,
	}, nil
}

// GetConnection resolves tenantID and returns a connection with the
// tenant's schema selected. Checkout waits are bounded by the pool limits.
func (s *Service) GetConnection(ctx context.Context, tenantID int, intent Intent) (*Connection, error) {
	return s.getConnection(ctx, tenantID, intent, false)
}

// GetConnectionNoTimeout is GetConnection for long-running work: the
// handle is exempt from long-held warnings.
func (s *Service) GetConnectionNoTimeout(ctx context.Context, tenantID int, intent Intent) (*Connection, error) {
	return s.getConnection(ctx, tenantID, intent, true)
}

func (s *Service) getConnection(ctx context.Context, tenantID int, intent Intent, noTimeout bool) (*Connection, error) {
	a, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant %d: %w", tenantID, err)
	}
	lease, err := s.router.Acquire(ctx, a, intent == Write, noTimeout)
	if err != nil {
		return nil, err
	}
	return &Connection{lease: lease}, nil
}

// GetPoolConnection addresses a pool directly, bypassing tenant
// resolution. An empty schema leaves the search path alone.
func (s *Service) GetPoolConnection(ctx context.Context, poolID int, schema string) (*Connection, error) {
	lease, err := s.router.AcquirePool(ctx, poolID, schema, false)
	if err != nil {
		return nil, err
	}
	return &Connection{lease: lease}, nil
}

// BackConnection returns c. A connection acquired for writing counts as a
// write.
func (s *Service) BackConnection(ctx context.Context, c *Connection) {
	if c == nil {
		return
	}
	s.router.Release(ctx, c.lease, true)
}

// BackConnectionAfterReading returns c without recording a write.
func (s *Service) BackConnectionAfterReading(ctx context.Context, c *Connection) {
	if c == nil {
		return
	}
	s.router.Release(ctx, c.lease, false)
}

// WithConnection runs fn on a routed connection and returns it. A write
// is recorded only when fn succeeds.
func (s *Service) WithConnection(ctx context.Context, tenantID int, intent Intent, fn func(ctx context.Context, c *Connection) error) error {
	c, err := s.GetConnection(ctx, tenantID, intent)
	if err != nil {
		return err
	}
	if err := fn(ctx, c); err != nil {
		s.BackConnectionAfterReading(ctx, c)
		return err
	}
	if intent == Write {
		s.BackConnection(ctx, c)
	} else {
		s.BackConnectionAfterReading(ctx, c)
	}
	return nil
}

// ResolveAssignment returns the current assignment of tenantID.
func (s *Service) ResolveAssignment(ctx context.Context, tenantID int) (*assignment.Assignment, error) {
	return s.resolver.Resolve(ctx, tenantID)
}

// WriteAssignment places tenantID on the given pools and schema of this
// service's cluster and invalidates every cached copy.
func (s *Service) WriteAssignment(ctx context.Context, tenantID, clusterID, readPoolID, writePoolID int, schema string) error {
	return s.resolver.Write(ctx, assignment.New(tenantID, clusterID, readPoolID, writePoolID, schema))
}

// DeleteAssignment removes tenantID from the cluster.
func (s *Service) DeleteAssignment(ctx context.Context, tenantID int) error {
	return s.resolver.Delete(ctx, tenantID)
}

// InvalidateAssignment drops cached assignments here and on peer processes.
func (s *Service) InvalidateAssignment(ctx context.Context, tenantIDs ...int) {
	s.resolver.Invalidate(ctx, tenantIDs...)
}

func (s *Service) TenantsInSchema(ctx context.Context, writePoolID int, schema string) ([]int, error) {
	return s.resolver.TenantsInSchema(ctx, writePoolID, schema)
}

func (s *Service) CountTenantsPerSchema(ctx context.Context, writePoolID int) ([]assignment.SchemaCount, error) {
	return s.resolver.CountTenantsPerSchema(ctx, writePoolID)
}

func (s *Service) UnfilledSchemas(ctx context.Context, writePoolID, maxTenants int) ([]assignment.SchemaCount, error) {
	return s.resolver.UnfilledSchemas(ctx, writePoolID, maxTenants)
}

func (s *Service) ClusterID() int { return s.resolver.ClusterID() }

func (s *Service) RouterStats() replication.Stats {
	return s.router.Stats()
}

func (s *Service) ResolverStats() assignment.Stats {
	return s.resolver.Stats()
}

// Pools describes every live pool ordered by id.
func (s *Service) Pools() []registry.PoolInfo {
	return s.registry.Snapshot()
}

// EvictPool closes a tenant or global pool regardless of handles in use.
func (s *Service) EvictPool(ctx context.Context, poolID int) error {
	return s.registry.Evict(ctx, poolID)
}

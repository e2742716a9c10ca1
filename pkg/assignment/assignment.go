// Package assignment maps tenants to the pools and schema that hold their data.
package assignment

import (
	"context"
	"fmt"
	"sync/atomic"
)

const unknownCounter = -1

// Assignment is the resolved location of one tenant. Everything except the
// transaction counter is immutable; share pointers freely.
type Assignment struct {
	tenantID    int
	clusterID   int
	readPoolID  int
	writePoolID int
	schema      string

	// Last known replication counter, unknownCounter until a write path
	// or a read on the master establishes it.
	counter atomic.Int64
}

// New returns an assignment with an unknown transaction counter.
func New(tenantID, clusterID, readPoolID, writePoolID int, schema string) *Assignment {
	a := &Assignment{
		tenantID:    tenantID,
		clusterID:   clusterID,
		readPoolID:  readPoolID,
		writePoolID: writePoolID,
		schema:      schema,
	}
	a.counter.Store(unknownCounter)
	return a
}

func (a *Assignment) TenantID() int    { return a.tenantID }
func (a *Assignment) ClusterID() int   { return a.clusterID }
func (a *Assignment) ReadPoolID() int  { return a.readPoolID }
func (a *Assignment) WritePoolID() int { return a.writePoolID }
func (a *Assignment) Schema() string   { return a.schema }

// HasReplica reports whether reads may be served by a separate replica pool.
func (a *Assignment) HasReplica() bool {
	return a.readPoolID != a.writePoolID
}

// Equal compares the immutable fields. The transaction counter is ignored.
func (a *Assignment) Equal(o *Assignment) bool {
	if a == nil || o == nil {
		return a == o
	}
	return a.tenantID == o.tenantID &&
		a.clusterID == o.clusterID &&
		a.readPoolID == o.readPoolID &&
		a.writePoolID == o.writePoolID &&
		a.schema == o.schema
}

// TransactionCounter returns the remembered counter and whether it is known.
func (a *Assignment) TransactionCounter() (int64, bool) {
	v := a.counter.Load()
	if v < 0 {
		return 0, false
	}
	return v, true
}

// SetTransactionCounter records an observed counter value. The stored value
// only ever grows: an observation older than the current one is ignored.
// It reports whether the value was stored.
func (a *Assignment) SetTransactionCounter(v int64) bool {
	if v < 0 {
		return false
	}
	for {
		cur := a.counter.Load()
		if cur >= v {
			return false
		}
		if a.counter.CompareAndSwap(cur, v) {
			return true
		}
	}
}

func (a *Assignment) String() string {
	return fmt.Sprintf("tenant %d (cluster %d, read pool %d, write pool %d, schema %s)",
		a.tenantID, a.clusterID, a.readPoolID, a.writePoolID, a.schema)
}

// Record is the serialisable form of an assignment.
type Record struct {
	TenantID           int    `json:"tenant_id"`
	ClusterID          int    `json:"cluster_id"`
	ReadPoolID         int    `json:"read_pool_id"`
	WritePoolID        int    `json:"write_pool_id"`
	Schema             string `json:"schema"`
	HasReplica         bool   `json:"has_replica"`
	TransactionCounter *int64 `json:"transaction_counter,omitempty"`
}

func (a *Assignment) Record() Record {
	r := Record{
		TenantID:    a.tenantID,
		ClusterID:   a.clusterID,
		ReadPoolID:  a.readPoolID,
		WritePoolID: a.writePoolID,
		Schema:      a.schema,
		HasReplica:  a.HasReplica(),
	}
	if v, ok := a.TransactionCounter(); ok {
		r.TransactionCounter = &v
	}
	return r
}

// SchemaCount is the number of tenants placed in one schema.
type SchemaCount struct {
	Schema  string `json:"schema"`
	Tenants int    `json:"tenants"`
}

// Store is the durable home of assignments.
type Store interface {
	// LoadAssignment fails with consts.ErrAssignmentNotFound when no row exists.
	LoadAssignment(ctx context.Context, clusterID, tenantID int) (*Assignment, error)
	WriteAssignment(ctx context.Context, a *Assignment) error
	DeleteAssignment(ctx context.Context, clusterID, tenantID int) error

	TenantsInSchema(ctx context.Context, clusterID, writePoolID int, schema string) ([]int, error)
	CountTenantsPerSchema(ctx context.Context, clusterID, writePoolID int) ([]SchemaCount, error)
	// UnfilledSchemas lists schemas on writePoolID holding fewer than maxTenants tenants.
	UnfilledSchemas(ctx context.Context, clusterID, writePoolID, maxTenants int) ([]SchemaCount, error)
}

// Notifier tells peer processes to drop cached assignments.
type Notifier interface {
	PublishInvalidation(ctx context.Context, clusterID int, tenantIDs []int) error
}

package db

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/pkg/assignment"
	"github.com/migadu/tenantdb/pkg/dbconn"
	"github.com/migadu/tenantdb/pkg/pool"
	"github.com/migadu/tenantdb/pkg/registry"
	"github.com/migadu/tenantdb/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDatabase migrates the test control database, empties it and
// returns a Database served by a real control-plane pool.
func setupTestDatabase(t *testing.T) (*Database, *registry.Registry, *pgx.Conn) {
	t.Helper()
	ep := testutils.ControlEndpoint(t)
	conn := testutils.Connect(t, ep)
	ctx := context.Background()

	lc := dbconn.NewLifecycle(dbconn.Options{ConnectTimeout: 5 * time.Second})
	connConfig, err := lc.ConnConfig(ep)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, connConfig, time.Minute))
	testutils.TruncateControlTables(t, conn)

	reg := registry.New(registry.Options{})
	reg.AddFactory(registry.NewStaticFactory(registry.ControlPlane, registry.Builder{Lifecycle: lc}, map[int]registry.Definition{
		consts.ControlWritePoolID: {Endpoint: ep, Limits: pool.Limits{MaxSize: 4, TestOnCheckout: true}},
		// Point the read pool at the same server to exercise read routing.
		consts.ControlReadPoolID: {Endpoint: ep, Limits: pool.Limits{MaxSize: 2}},
	}))
	t.Cleanup(func() { reg.Close(context.Background()) })

	return NewDatabase(reg, Options{ReadPool: true, QueryTimeout: 10 * time.Second}), reg, conn
}

func TestAssignmentLifecycle(t *testing.T) {
	d, _, _ := setupTestDatabase(t)
	ctx := context.Background()

	_, err := d.LoadAssignment(ctx, 1, 42)
	require.ErrorIs(t, err, consts.ErrAssignmentNotFound)

	require.NoError(t, d.WriteAssignment(ctx, assignment.New(42, 1, 2, 1, "ctx_7")))
	a, err := d.LoadAssignment(ctx, 1, 42)
	require.NoError(t, err)
	assert.True(t, a.Equal(assignment.New(42, 1, 2, 1, "ctx_7")))
	_, known := a.TransactionCounter()
	assert.False(t, known)

	// Same tenant id in another cluster is a different tenant.
	_, err = d.LoadAssignment(ctx, 2, 42)
	require.ErrorIs(t, err, consts.ErrAssignmentNotFound)

	require.NoError(t, d.WriteAssignment(ctx, assignment.New(43, 1, 2, 1, "ctx_7")))
	ids, err := d.TenantsInSchema(ctx, 1, 1, "ctx_7")
	require.NoError(t, err)
	assert.Equal(t, []int{42, 43}, ids)

	// Move 42 to another schema.
	require.NoError(t, d.WriteAssignment(ctx, assignment.New(42, 1, 2, 1, "ctx_8")))
	counts, err := d.CountTenantsPerSchema(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []assignment.SchemaCount{{Schema: "ctx_7", Tenants: 1}, {Schema: "ctx_8", Tenants: 1}}, counts)

	require.NoError(t, d.DeleteAssignment(ctx, 1, 43))
	require.ErrorIs(t, d.DeleteAssignment(ctx, 1, 43), consts.ErrAssignmentNotFound)

	require.Error(t, d.WriteAssignment(ctx, assignment.New(44, 1, 2, 1, "Bad-Schema")))
}

func TestUnfilledSchemas(t *testing.T) {
	d, _, _ := setupTestDatabase(t)
	ctx := context.Background()

	require.NoError(t, d.RegisterSchema(ctx, 1, "ctx_empty"))
	for i, schema := range []string{"ctx_1", "ctx_1", "ctx_2"} {
		require.NoError(t, d.WriteAssignment(ctx, assignment.New(100+i, 1, 1, 1, schema)))
	}

	unfilled, err := d.UnfilledSchemas(ctx, 1, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []assignment.SchemaCount{{Schema: "ctx_2", Tenants: 1}, {Schema: "ctx_empty", Tenants: 0}}, unfilled)

	stats, err := d.ControlStats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Tenants)
	assert.Equal(t, int64(2), stats.Schemas)
}

func TestPoolAndClusterDefinitions(t *testing.T) {
	d, _, _ := setupTestDatabase(t)
	ctx := context.Background()

	_, found, err := d.PoolDefinition(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)

	rec := PoolRecord{ID: 1, URL: "postgres://db1:5432/ctx", Login: "tenant", Password: "secret",
		Params: map[string]string{"application_name": "tenantdb"}, MaxConns: 20, HardLimit: true}
	require.NoError(t, d.UpsertPoolDefinition(ctx, rec))
	require.NoError(t, d.UpsertPoolDefinition(ctx, PoolRecord{ID: 2, URL: "postgres://db1-ro:5432/ctx"}))

	got, found, err := d.PoolDefinition(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, got)

	all, err := d.ListPoolDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Empty(t, all[1].Params)

	require.Error(t, d.UpsertPoolDefinition(ctx, PoolRecord{ID: consts.ControlWritePoolID, URL: "postgres://x/y"}))

	require.ErrorIs(t, d.UpsertCluster(ctx, ClusterRecord{ID: 1, ReadPoolID: 2, WritePoolID: 9, MaxTenants: 10}), ErrPoolNotFound)
	require.NoError(t, d.UpsertCluster(ctx, ClusterRecord{ID: 1, ReadPoolID: 2, WritePoolID: 1, MaxTenants: 10}))
	c, err := d.Cluster(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ClusterRecord{ID: 1, ReadPoolID: 2, WritePoolID: 1, MaxTenants: 10}, c)
	_, err = d.Cluster(ctx, 2)
	require.ErrorIs(t, err, ErrClusterNotFound)

	require.ErrorIs(t, d.DeletePoolDefinition(ctx, 1), ErrPoolInUse)
	require.ErrorIs(t, d.DeletePoolDefinition(ctx, 7), ErrPoolNotFound)
}

func TestTenantCounter(t *testing.T) {
	_, reg, conn := setupTestDatabase(t)
	schema := testutils.CreateTenantSchema(t, conn)
	ctx := context.Background()
	sql := TenantSQL{}

	h, err := reg.Checkout(ctx, consts.ControlWritePoolID, false)
	require.NoError(t, err)
	require.NoError(t, sql.SelectSchema(ctx, h, schema))

	v, err := sql.ReadCounter(ctx, h, 42)
	require.NoError(t, err)
	assert.Zero(t, v, "no row reads as zero")

	v, err = sql.IncrementCounter(ctx, h, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	reg.Checkin(ctx, h)

	// Concurrent increments through separate connections each see a distinct value.
	const writers = 8
	seen := make(chan int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := reg.Checkout(ctx, consts.ControlWritePoolID, false)
			if err != nil {
				return
			}
			defer reg.Checkin(ctx, h)
			if sql.SelectSchema(ctx, h, schema) != nil {
				return
			}
			if v, err := sql.IncrementCounter(ctx, h, 42); err == nil {
				seen <- v
			}
		}()
	}
	wg.Wait()
	close(seen)

	distinct := map[int64]bool{}
	for v := range seen {
		distinct[v] = true
	}
	assert.Len(t, distinct, writers)

	h, err = reg.Checkout(ctx, consts.ControlWritePoolID, false)
	require.NoError(t, err)
	defer reg.Checkin(ctx, h)
	require.NoError(t, sql.SelectSchema(ctx, h, schema))
	v, err = sql.ReadCounter(ctx, h, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1+writers), v)

	require.ErrorIs(t, sql.SelectSchema(ctx, h, "x; DROP TABLE db_pool"), ErrInvalidSchemaName)
}

func TestCreateTenantSchema(t *testing.T) {
	_, reg, conn := setupTestDatabase(t)
	ctx := context.Background()
	schema := "tenantdb_bootstrap_test"
	t.Cleanup(func() {
		_, _ = conn.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
	})

	h, err := reg.Checkout(ctx, consts.ControlWritePoolID, false)
	require.NoError(t, err)
	defer reg.Checkin(ctx, h)

	sql := TenantSQL{}
	require.NoError(t, sql.CreateTenantSchema(ctx, h, schema))
	require.NoError(t, sql.CreateTenantSchema(ctx, h, schema), "idempotent")
	require.NoError(t, sql.SelectSchema(ctx, h, schema))
	v, err := sql.IncrementCounter(ctx, h, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestHealthStatus(t *testing.T) {
	d, _, _ := setupTestDatabase(t)
	ctx := context.Background()

	h, err := d.GetHealthStatus(ctx, "host-a", "control_db")
	require.NoError(t, err)
	assert.Nil(t, h)

	require.NoError(t, d.StoreHealthStatus(ctx, "host-a", "control_db", StatusHealthy, nil, 1, 0, map[string]any{"pools": 2}))
	require.NoError(t, d.StoreHealthStatus(ctx, "host-b", "control_db", StatusDegraded, errors.New("slow"), 4, 1, nil))

	h, err = d.GetHealthStatus(ctx, "host-b", "control_db")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, StatusDegraded, h.Status)
	require.NotNil(t, h.LastError)
	assert.Equal(t, "slow", *h.LastError)

	all, err := d.GetAllHealthStatuses(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	overview, err := d.GetSystemHealthOverview(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, overview.OverallStatus)
	assert.Equal(t, 2, overview.ComponentCount)

	require.NoError(t, d.Ping(ctx, true))
	require.NoError(t, d.Ping(ctx, false))
}

func TestValidateSchemaName(t *testing.T) {
	for _, ok := range []string{"ctx_7", "_private", "a"} {
		assert.NoError(t, ValidateSchemaName(ok), ok)
	}
	for _, bad := range []string{"", "Ctx", "7ctx", "ctx-7", "ctx 7", "a;drop", strings.Repeat("a", 64)} {
		assert.ErrorIs(t, ValidateSchemaName(bad), ErrInvalidSchemaName, bad)
	}
}

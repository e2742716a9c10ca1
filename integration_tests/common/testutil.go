//go:build integration

package common

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tenantdb/config"
	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/db"
	"github.com/migadu/tenantdb/pkg/assignment"
	"github.com/migadu/tenantdb/pkg/dbconn"
	"github.com/migadu/tenantdb/pkg/dbservice"
	"github.com/migadu/tenantdb/pkg/pool"
	"github.com/migadu/tenantdb/pkg/registry"
	"github.com/migadu/tenantdb/pkg/reload"
	"github.com/migadu/tenantdb/pkg/replication"
	"github.com/migadu/tenantdb/testutils"
)

// Pool rows SetupStack registers. Both point at the test control database,
// so the "replica" always has caught up with the master.
const (
	TenantPoolID  = 10
	ReplicaPoolID = 11
)

// Stack is a fully wired routing stack backed by the test database.
type Stack struct {
	Config   *config.Config
	Registry *registry.Registry
	Control  *db.Database
	Resolver *assignment.Resolver
	Router   *replication.Router
	Service  *dbservice.Service
	Conn     *pgx.Conn
}

// SetupStack migrates and empties the test control database, registers
// TenantPoolID in db_pool and wires registry, resolver, router and service
// the way the daemon does.
func SetupStack(t *testing.T) *Stack {
	t.Helper()
	cfg := testutils.LoadTestConfig(t)
	ep := testutils.ControlEndpoint(t)
	conn := testutils.Connect(t, ep)
	ctx := context.Background()

	lc := dbconn.NewLifecycle(dbconn.Options{ConnectTimeout: 5 * time.Second, BreakerThreshold: 3, BreakerTimeout: time.Second})
	connConfig, err := lc.ConnConfig(ep)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, connConfig, time.Minute))
	testutils.TruncateControlTables(t, conn)

	builder := registry.Builder{Lifecycle: lc}
	reg := registry.New(registry.Options{})
	control := db.NewDatabase(reg, db.Options{QueryTimeout: 10 * time.Second})
	reg.AddFactory(registry.NewStaticFactory(registry.ControlPlane, builder, map[int]registry.Definition{
		consts.ControlWritePoolID: {Endpoint: ep, Limits: pool.Limits{MaxSize: 4, TestOnCheckout: true}},
	}))
	reg.AddFactory(registry.NewLookupFactory(reload.NewDefinitionSource(control, cfg.PoolDefaults), builder))
	t.Cleanup(func() { reg.Close(context.Background()) })

	for _, id := range []int{TenantPoolID, ReplicaPoolID} {
		require.NoError(t, control.UpsertPoolDefinition(ctx, db.PoolRecord{
			ID:        id,
			URL:       ep.URL,
			Login:     ep.User,
			Password:  ep.Password,
			Params:    ep.Params,
			MaxConns:  4,
			HardLimit: true,
		}))
	}

	resolver := assignment.NewResolver(cfg.ClusterID, control, assignment.Options{LoadTimeout: 10 * time.Second})
	tenantSQL := db.TenantSQL{}
	router := replication.NewRouter(reg, tenantSQL, tenantSQL, replication.Options{})
	service, err := dbservice.New(dbservice.Dependencies{Registry: reg, Resolver: resolver, Router: router})
	require.NoError(t, err)

	return &Stack{
		Config:   cfg,
		Registry: reg,
		Control:  control,
		Resolver: resolver,
		Router:   router,
		Service:  service,
		Conn:     conn,
	}
}

// GetRandomAddress returns a free loopback address for a test listener.
func GetRandomAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "Failed to listen on a random port")
	defer listener.Close()
	return listener.Addr().String()
}

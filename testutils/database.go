package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/tenantdb/config"
	"github.com/migadu/tenantdb/pkg/pool"
	"github.com/stretchr/testify/require"
)

var schemaSeq atomic.Int64

// LoadTestConfig loads config-test.toml, skipping the test in short mode or
// when no test configuration exists.
func LoadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("Skipping database integration test: %v", err)
	}

	cfg := config.NewDefaultConfig()
	require.NoError(t, config.LoadConfigFromFile(configPath, &cfg), "Failed to load test config. Please check config-test.toml syntax")
	require.NotNil(t, cfg.ControlDB.Write, "config-test.toml must define [control_db.write]")
	return &cfg
}

// ControlEndpoint returns the pool endpoint of the test control database.
func ControlEndpoint(t *testing.T) pool.Endpoint {
	t.Helper()
	cfg := LoadTestConfig(t)
	w := cfg.ControlDB.Write
	return pool.Endpoint{
		URL:      w.URL,
		User:     w.User,
		Password: w.Password,
		Params:   w.Params,
		TLS: pool.TLSSettings{
			Mode:       w.TLSMode,
			CAFile:     w.TLSCAFile,
			CertFile:   w.TLSCertFile,
			KeyFile:    w.TLSKeyFile,
			ServerName: w.TLSServerName,
		},
	}
}

// Connect opens a plain pgx connection to ep and closes it when the test ends.
// The test is skipped when the server is unreachable.
func Connect(t *testing.T, ep pool.Endpoint) *pgx.Conn {
	t.Helper()
	cfg, err := pgx.ParseConfig(ep.URL)
	require.NoError(t, err)
	if ep.User != "" {
		cfg.User = ep.User
	}
	if ep.Password != "" {
		cfg.Password = ep.Password
	}
	cfg.ConnectTimeout = 5 * time.Second

	conn, err := pgx.ConnectConfig(context.Background(), cfg)
	if err != nil {
		t.Skipf("Skipping database integration test: test database unreachable: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn.Close(ctx)
	})
	return conn
}

// CreateTenantSchema creates a throwaway schema with a replication_monitor
// table and drops it when the test ends.
func CreateTenantSchema(t *testing.T, conn *pgx.Conn) string {
	t.Helper()
	ctx := context.Background()
	schema := fmt.Sprintf("tenantdb_test_%d_%d", os.Getpid(), schemaSeq.Add(1))

	_, err := conn.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{schema}.Sanitize())
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `CREATE TABLE `+pgx.Identifier{schema, "replication_monitor"}.Sanitize()+` (
		tenant_id BIGINT PRIMARY KEY,
		transaction_counter BIGINT NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = conn.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
	})
	return schema
}

// TruncateControlTables cleans all data from the control-plane tables.
func TruncateControlTables(t *testing.T, conn *pgx.Conn) {
	t.Helper()
	tables := []string{"tenant_assignment", "schema_pool", "db_cluster", "db_pool", "health_status"}
	_, err := conn.Exec(context.Background(), "TRUNCATE TABLE "+strings.Join(tables, ", ")+" CASCADE")
	require.NoError(t, err)
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

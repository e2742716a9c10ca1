package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Router.GetMaxAttempts())
	assert.Equal(t, ExhaustedBlock, cfg.PoolDefaults.GetExhaustedAction())

	ttl, err := cfg.Resolver.GetCacheTTL()
	require.NoError(t, err)
	assert.Zero(t, ttl, "assignments never expire by default")
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
server_id = "  node-a  "
cluster_id = 3

[logging]
level = "debug"

[control_db.write]
url = "postgres://control:5432/tenantdb"
user = "tenantdb"
password = "secret"
tls_mode = "verify-full"
tls_ca_file = "/etc/ssl/ca.pem"

[control_db.write.params]
application_name = " tenantdb "

[control_db.read]
url = "postgres://control-replica:5432/tenantdb"

[pool_defaults]
max_conns = 8
min_conns = 2
exhausted_action = "grow"
max_wait_time = "2s"
long_held_warning = "1m"

[[global_db]]
pool_id = 100
name = "directory"
url = "postgres://global:5432/directory"
max_conns = 4

[router]
max_attempts = 3
counter_log_interval = "1m"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "node-a", cfg.ServerID)
	assert.Equal(t, 3, cfg.ClusterID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.ControlDB.Write)
	assert.Equal(t, "tenantdb", cfg.ControlDB.Write.Params["application_name"])
	require.NotNil(t, cfg.ControlDB.Read)
	assert.Equal(t, "postgres://control-replica:5432/tenantdb", cfg.ControlDB.Read.URL)

	assert.Equal(t, 8, cfg.PoolDefaults.MaxConns)
	assert.Equal(t, ExhaustedGrow, cfg.PoolDefaults.GetExhaustedAction())
	wait, err := cfg.PoolDefaults.GetMaxWaitTime()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, wait)

	// Unset keys keep their defaults.
	idle, err := cfg.PoolDefaults.GetMaxIdleTime()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, idle)

	require.Len(t, cfg.GlobalDBs, 1)
	assert.Equal(t, 100, cfg.GlobalDBs[0].PoolID)
	assert.Equal(t, "postgres://global:5432/directory", cfg.GlobalDBs[0].URL)
	assert.Equal(t, 4, cfg.GlobalDBs[0].MaxConns)

	assert.Equal(t, 3, cfg.Router.GetMaxAttempts())
}

func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[control_db.write]
url = "postgres://localhost/tenantdb"
typo_setting = 123
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg), "unknown keys only warn")
	assert.Equal(t, "postgres://localhost/tenantdb", cfg.ControlDB.Write.URL)
}

func TestLoadConfigFromFile_DuplicateKeys(t *testing.T) {
	path := writeConfig(t, `
[router]
max_attempts = 4
max_attempts = 7
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	assert.Equal(t, 4, cfg.Router.MaxAttempts, "first occurrence wins")
}

func TestLoadConfigFromFile_SyntaxError(t *testing.T) {
	path := writeConfig(t, `
[health]
enabled = t
`)

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestRemoveDuplicateKeys_ArrayTables(t *testing.T) {
	content := `
[[global_db]]
pool_id = 1
name = "a"

[[global_db]]
pool_id = 2
name = "b"
name = "c"
`
	cleaned, err := removeDuplicateKeysFromTOML(content)
	require.NoError(t, err)

	assert.Contains(t, cleaned, "pool_id = 2", "each array element has its own key set")
	assert.Contains(t, cleaned, "# DUPLICATE IGNORED: name = \"c\"")
	assert.Equal(t, 1, strings.Count(cleaned, "DUPLICATE IGNORED"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing control write url",
			mutate:  func(c *Config) { c.ControlDB.Write.URL = "" },
			wantErr: "control_db.write.url is required",
		},
		{
			name:    "negative cluster id",
			mutate:  func(c *Config) { c.ClusterID = -1 },
			wantErr: "cluster_id",
		},
		{
			name:    "min above max",
			mutate:  func(c *Config) { c.PoolDefaults.MinConns = 50 },
			wantErr: "pool_defaults.min_conns",
		},
		{
			name:    "bad exhausted action",
			mutate:  func(c *Config) { c.PoolDefaults.ExhaustedAction = "queue" },
			wantErr: "invalid exhausted_action",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.PoolDefaults.MaxWaitTime = "soon" },
			wantErr: "pool_defaults.max_wait_time",
		},
		{
			name: "reserved global pool id",
			mutate: func(c *Config) {
				c.GlobalDBs = []GlobalDBConfig{{PoolID: -1, EndpointConfig: EndpointConfig{URL: "postgres://g/db"}}}
			},
			wantErr: "pool_id must be non-negative",
		},
		{
			name: "duplicate global pool id",
			mutate: func(c *Config) {
				c.GlobalDBs = []GlobalDBConfig{
					{PoolID: 5, EndpointConfig: EndpointConfig{URL: "postgres://a/db"}},
					{PoolID: 5, EndpointConfig: EndpointConfig{URL: "postgres://b/db"}},
				}
			},
			wantErr: "already used",
		},
		{
			name:    "bad tls mode",
			mutate:  func(c *Config) { c.ControlDB.Write.TLSMode = "prefer-ish" },
			wantErr: "invalid tls_mode",
		},
		{
			name:    "cert without key",
			mutate:  func(c *Config) { c.ControlDB.Write.TLSCertFile = "/etc/cert.pem" },
			wantErr: "must be set together",
		},
		{
			name: "invalidation without url",
			mutate: func(c *Config) {
				c.Invalidation.Enabled = true
				c.Invalidation.NATSURL = ""
			},
			wantErr: "invalidation.nats_url",
		},
		{
			name: "admin api tls without files",
			mutate: func(c *Config) {
				c.AdminAPI.Start = true
				c.AdminAPI.TLS = true
			},
			wantErr: "admin_api.tls_cert_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationGettersDefaults(t *testing.T) {
	var cfg Config

	reap, err := cfg.Registry.GetReapInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, reap)

	sweep, err := cfg.Registry.GetSweepInterval()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, sweep)

	debounce, err := cfg.Reload.GetDebounce()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, debounce)

	logEvery, err := cfg.Router.GetCounterLogInterval()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, logEvery)

	assert.Equal(t, 5, cfg.PoolDefaults.GetDialFailureThreshold())
	assert.Equal(t, "tenantdb.assignment.invalidate", cfg.Invalidation.GetSubject())
}

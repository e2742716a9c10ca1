package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/tenantdb/helpers"
)

// Exhausted actions understood by the pool layer.
const (
	ExhaustedBlock = "block"
	ExhaustedGrow  = "grow"
	ExhaustedFail  = "fail"
)

// TLS modes for database endpoints.
const (
	TLSModeDisable    = "disable"
	TLSModeRequire    = "require"
	TLSModeVerifyCA   = "verify-ca"
	TLSModeVerifyFull = "verify-full"
)

// EndpointConfig holds configuration for a single database endpoint.
//
// Sizing fields override the [pool_defaults] section when set; zero values
// and empty strings fall back to the defaults.
type EndpointConfig struct {
	URL           string            `toml:"url"` // e.g. "postgres://db1.example.com:5432/tenants"
	User          string            `toml:"user"`
	Password      string            `toml:"password"`
	Params        map[string]string `toml:"params"` // Runtime parameters sent on connect (application_name, statement_timeout, ...)
	TLSMode       string            `toml:"tls_mode"`
	TLSCAFile     string            `toml:"tls_ca_file"`
	TLSCertFile   string            `toml:"tls_cert_file"`
	TLSKeyFile    string            `toml:"tls_key_file"`
	TLSServerName string            `toml:"tls_server_name"`

	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	ExhaustedAction string `toml:"exhausted_action"` // "block", "grow" or "fail"
	MaxWaitTime     string `toml:"max_wait_time"`
	MaxIdleTime     string `toml:"max_idle_time"`
	MaxLifetime     string `toml:"max_lifetime"`
}

// ControlDBConfig holds the control database endpoints. The read endpoint is
// optional; without it control-plane reads go to the write endpoint.
type ControlDBConfig struct {
	Write            *EndpointConfig `toml:"write"`
	Read             *EndpointConfig `toml:"read"`
	AutoMigrate      bool            `toml:"auto_migrate"`
	MigrationTimeout string          `toml:"migration_timeout"` // default: "2m"
	QueryTimeout     string          `toml:"query_timeout"`     // default: "30s"
}

// GetMigrationTimeout parses the migration timeout duration
func (c *ControlDBConfig) GetMigrationTimeout() (time.Duration, error) {
	if c.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(c.MigrationTimeout)
}

// GetQueryTimeout parses the query timeout used for control-plane statements.
func (c *ControlDBConfig) GetQueryTimeout() (time.Duration, error) {
	if c.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.QueryTimeout)
}

// PoolConfig holds the limits every pool starts from.
type PoolConfig struct {
	MaxConns           int    `toml:"max_conns"`
	MinConns           int    `toml:"min_conns"`
	ExhaustedAction    string `toml:"exhausted_action"`
	MaxWaitTime        string `toml:"max_wait_time"`     // default: "30s"
	MaxIdleTime        string `toml:"max_idle_time"`     // default: "30m"
	MaxLifetime        string `toml:"max_lifetime"`      // default: "1h"
	LongHeldWarning    string `toml:"long_held_warning"` // default: "5m", "0" disables
	TestOnCheckout     bool   `toml:"test_on_checkout"`
	TestOnReturn       bool   `toml:"test_on_return"`
	TestOnIdleSweep    bool   `toml:"test_on_idle_sweep"`
	CaptureStackTraces bool   `toml:"capture_stack_traces"`
	PingOnActivate     bool   `toml:"ping_on_activate"`
	QueryLog           bool   `toml:"query_log"` // Log every statement at debug level

	DialFailureThreshold int    `toml:"dial_failure_threshold"` // Consecutive dial failures before failing fast (default: 5)
	DialOpenTimeout      string `toml:"dial_open_timeout"`      // How long dialing fails fast (default: "30s")
	ConnectTimeout       string `toml:"connect_timeout"`        // default: "10s"
}

// GetMaxWaitTime parses how long a BLOCK checkout waits for a free handle
func (p *PoolConfig) GetMaxWaitTime() (time.Duration, error) {
	if p.MaxWaitTime == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(p.MaxWaitTime)
}

// GetMaxIdleTime parses the idle time after which the sweeper destroys a handle
func (p *PoolConfig) GetMaxIdleTime() (time.Duration, error) {
	if p.MaxIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(p.MaxIdleTime)
}

// GetMaxLifetime parses the maximum age of a physical connection
func (p *PoolConfig) GetMaxLifetime() (time.Duration, error) {
	if p.MaxLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(p.MaxLifetime)
}

// GetLongHeldWarning parses the checkout age after which handles are reported
func (p *PoolConfig) GetLongHeldWarning() (time.Duration, error) {
	if p.LongHeldWarning == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(p.LongHeldWarning)
}

func (p *PoolConfig) GetDialFailureThreshold() int {
	if p.DialFailureThreshold <= 0 {
		return 5
	}
	return p.DialFailureThreshold
}

func (p *PoolConfig) GetDialOpenTimeout() (time.Duration, error) {
	if p.DialOpenTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(p.DialOpenTimeout)
}

func (p *PoolConfig) GetConnectTimeout() (time.Duration, error) {
	if p.ConnectTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(p.ConnectTimeout)
}

// GetExhaustedAction returns the configured action, "block" when unset.
func (p *PoolConfig) GetExhaustedAction() string {
	if p.ExhaustedAction == "" {
		return ExhaustedBlock
	}
	return strings.ToLower(p.ExhaustedAction)
}

// GlobalDBConfig defines a statically configured shared database reachable
// by direct pool addressing.
type GlobalDBConfig struct {
	PoolID int    `toml:"pool_id"`
	Name   string `toml:"name"`
	EndpointConfig
}

// RouterConfig holds replication router settings
type RouterConfig struct {
	MaxAttempts        int    `toml:"max_attempts"`         // default: 10
	CounterLogInterval string `toml:"counter_log_interval"` // default: "5m"
}

// GetMaxAttempts returns the bound on acquire retries
func (r *RouterConfig) GetMaxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 10
	}
	return r.MaxAttempts
}

// GetCounterLogInterval parses the throttle interval for counter bookkeeping failures
func (r *RouterConfig) GetCounterLogInterval() (time.Duration, error) {
	if r.CounterLogInterval == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(r.CounterLogInterval)
}

// RegistryConfig holds background maintenance intervals for the pool registry
type RegistryConfig struct {
	ReapInterval  string `toml:"reap_interval"`  // default: "1m"
	SweepInterval string `toml:"sweep_interval"` // default: "30s"
}

func (r *RegistryConfig) GetReapInterval() (time.Duration, error) {
	if r.ReapInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(r.ReapInterval)
}

func (r *RegistryConfig) GetSweepInterval() (time.Duration, error) {
	if r.SweepInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.SweepInterval)
}

// ResolverConfig holds assignment cache settings.
type ResolverConfig struct {
	CacheTTL        string `toml:"cache_ttl"`        // empty or "0": entries never expire
	CleanupInterval string `toml:"cleanup_interval"` // default: "10m"
}

// GetCacheTTL returns the cache entry lifetime; zero means no expiration.
func (r *ResolverConfig) GetCacheTTL() (time.Duration, error) {
	if r.CacheTTL == "" {
		return 0, nil
	}
	return helpers.ParseDuration(r.CacheTTL)
}

func (r *ResolverConfig) GetCleanupInterval() (time.Duration, error) {
	if r.CleanupInterval == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(r.CleanupInterval)
}

// ReloadConfig controls configuration hot-swap.
type ReloadConfig struct {
	Watch                 bool   `toml:"watch"`
	Debounce              string `toml:"debounce"`                // default: "500ms"
	TenantRefreshInterval string `toml:"tenant_refresh_interval"` // empty: tenant pool definitions are only re-read on reload
}

func (r *ReloadConfig) GetDebounce() (time.Duration, error) {
	if r.Debounce == "" {
		return 500 * time.Millisecond, nil
	}
	return helpers.ParseDuration(r.Debounce)
}

func (r *ReloadConfig) GetTenantRefreshInterval() (time.Duration, error) {
	if r.TenantRefreshInterval == "" {
		return 0, nil
	}
	return helpers.ParseDuration(r.TenantRefreshInterval)
}

// InvalidationConfig configures cross-process assignment invalidation over NATS
type InvalidationConfig struct {
	Enabled bool   `toml:"enabled"`
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
}

// GetSubject returns the NATS subject, defaulting to "tenantdb.assignment.invalidate"
func (i *InvalidationConfig) GetSubject() string {
	if i.Subject == "" {
		return "tenantdb.assignment.invalidate"
	}
	return i.Subject
}

// AdminAPIConfig holds admin HTTP API server configuration
type AdminAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// MetricsConfig holds the prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HealthConfig controls the background health monitor
type HealthConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"` // default: "30s"
}

func (h *HealthConfig) GetInterval() (time.Duration, error) {
	if h.Interval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(h.Interval)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	ServerID     string             `toml:"server_id"`
	ClusterID    int                `toml:"cluster_id"`
	Logging      LoggingConfig      `toml:"logging"`
	ControlDB    ControlDBConfig    `toml:"control_db"`
	PoolDefaults PoolConfig         `toml:"pool_defaults"`
	GlobalDBs    []GlobalDBConfig   `toml:"global_db"`
	Router       RouterConfig       `toml:"router"`
	Registry     RegistryConfig     `toml:"registry"`
	Resolver     ResolverConfig     `toml:"resolver"`
	Reload       ReloadConfig       `toml:"reload"`
	Invalidation InvalidationConfig `toml:"invalidation"`
	AdminAPI     AdminAPIConfig     `toml:"admin_api"`
	Metrics      MetricsConfig      `toml:"metrics"`
	Health       HealthConfig       `toml:"health"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		ControlDB: ControlDBConfig{
			Write: &EndpointConfig{
				URL:     "postgres://localhost:5432/tenantdb",
				User:    "postgres",
				TLSMode: TLSModeDisable,
			},
			AutoMigrate:      true,
			MigrationTimeout: "2m",
			QueryTimeout:     "30s",
		},
		PoolDefaults: PoolConfig{
			MaxConns:        20,
			MinConns:        0,
			ExhaustedAction: ExhaustedBlock,
			MaxWaitTime:     "30s",
			MaxIdleTime:     "30m",
			MaxLifetime:     "1h",
			LongHeldWarning: "5m",
			TestOnCheckout:  true,
			TestOnReturn:    false,
			TestOnIdleSweep: true,
		},
		Router: RouterConfig{
			MaxAttempts:        10,
			CounterLogInterval: "5m",
		},
		Registry: RegistryConfig{
			ReapInterval:  "1m",
			SweepInterval: "30s",
		},
		Resolver: ResolverConfig{
			CleanupInterval: "10m",
		},
		Reload: ReloadConfig{
			Watch:    false,
			Debounce: "500ms",
		},
		Invalidation: InvalidationConfig{
			Enabled: false,
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "tenantdb.assignment.invalidate",
		},
		AdminAPI: AdminAPIConfig{
			Start: false,
			Addr:  "127.0.0.1:8080",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: "30s",
		},
	}
}

// Validate checks the configuration for errors that would prevent startup.
func (c *Config) Validate() error {
	if c.ClusterID < 0 {
		return fmt.Errorf("cluster_id must be non-negative, got %d", c.ClusterID)
	}
	if c.ControlDB.Write == nil || c.ControlDB.Write.URL == "" {
		return fmt.Errorf("control_db.write.url is required")
	}
	if err := c.ControlDB.Write.validate("control_db.write"); err != nil {
		return err
	}
	if c.ControlDB.Read != nil {
		if c.ControlDB.Read.URL == "" {
			return fmt.Errorf("control_db.read.url is required when [control_db.read] is present")
		}
		if err := c.ControlDB.Read.validate("control_db.read"); err != nil {
			return err
		}
	}
	if _, err := c.ControlDB.GetMigrationTimeout(); err != nil {
		return fmt.Errorf("invalid control_db.migration_timeout: %w", err)
	}
	if _, err := c.ControlDB.GetQueryTimeout(); err != nil {
		return fmt.Errorf("invalid control_db.query_timeout: %w", err)
	}

	if err := c.PoolDefaults.validate(); err != nil {
		return err
	}

	seen := make(map[int]string)
	for i, g := range c.GlobalDBs {
		section := fmt.Sprintf("global_db[%d]", i)
		if g.PoolID < 0 {
			return fmt.Errorf("%s: pool_id must be non-negative, got %d", section, g.PoolID)
		}
		if prev, ok := seen[g.PoolID]; ok {
			return fmt.Errorf("%s: pool_id %d already used by %s", section, g.PoolID, prev)
		}
		seen[g.PoolID] = section
		if g.URL == "" {
			return fmt.Errorf("%s: url is required", section)
		}
		if err := g.EndpointConfig.validate(section); err != nil {
			return err
		}
	}

	if c.Router.MaxAttempts < 0 {
		return fmt.Errorf("router.max_attempts must be non-negative, got %d", c.Router.MaxAttempts)
	}
	if _, err := c.Router.GetCounterLogInterval(); err != nil {
		return fmt.Errorf("invalid router.counter_log_interval: %w", err)
	}
	if _, err := c.Registry.GetReapInterval(); err != nil {
		return fmt.Errorf("invalid registry.reap_interval: %w", err)
	}
	if _, err := c.Registry.GetSweepInterval(); err != nil {
		return fmt.Errorf("invalid registry.sweep_interval: %w", err)
	}
	if _, err := c.Resolver.GetCacheTTL(); err != nil {
		return fmt.Errorf("invalid resolver.cache_ttl: %w", err)
	}
	if _, err := c.Resolver.GetCleanupInterval(); err != nil {
		return fmt.Errorf("invalid resolver.cleanup_interval: %w", err)
	}
	if _, err := c.Reload.GetDebounce(); err != nil {
		return fmt.Errorf("invalid reload.debounce: %w", err)
	}
	if _, err := c.Reload.GetTenantRefreshInterval(); err != nil {
		return fmt.Errorf("invalid reload.tenant_refresh_interval: %w", err)
	}
	if c.Invalidation.Enabled && c.Invalidation.NATSURL == "" {
		return fmt.Errorf("invalidation.nats_url is required when invalidation is enabled")
	}
	if c.AdminAPI.Start {
		if c.AdminAPI.Addr == "" {
			return fmt.Errorf("admin_api.addr is required when the admin API is started")
		}
		if c.AdminAPI.TLS && (c.AdminAPI.TLSCertFile == "" || c.AdminAPI.TLSKeyFile == "") {
			return fmt.Errorf("admin_api.tls_cert_file and admin_api.tls_key_file are required when admin_api.tls is enabled")
		}
	}
	if _, err := c.Health.GetInterval(); err != nil {
		return fmt.Errorf("invalid health.interval: %w", err)
	}
	return nil
}

func (p *PoolConfig) validate() error {
	if p.MaxConns <= 0 {
		return fmt.Errorf("pool_defaults.max_conns must be positive, got %d", p.MaxConns)
	}
	if p.MinConns < 0 || p.MinConns > p.MaxConns {
		return fmt.Errorf("pool_defaults.min_conns must be between 0 and max_conns (%d), got %d", p.MaxConns, p.MinConns)
	}
	if err := validateExhaustedAction(p.ExhaustedAction); err != nil {
		return fmt.Errorf("pool_defaults: %w", err)
	}
	durations := map[string]func() (time.Duration, error){
		"max_wait_time":     p.GetMaxWaitTime,
		"max_idle_time":     p.GetMaxIdleTime,
		"max_lifetime":      p.GetMaxLifetime,
		"long_held_warning": p.GetLongHeldWarning,
		"dial_open_timeout": p.GetDialOpenTimeout,
		"connect_timeout":   p.GetConnectTimeout,
	}
	for name, get := range durations {
		if _, err := get(); err != nil {
			return fmt.Errorf("invalid pool_defaults.%s: %w", name, err)
		}
	}
	return nil
}

func (e *EndpointConfig) validate(section string) error {
	if e.MaxConns < 0 || e.MinConns < 0 {
		return fmt.Errorf("%s: max_conns and min_conns must be non-negative", section)
	}
	if e.MaxConns > 0 && e.MinConns > e.MaxConns {
		return fmt.Errorf("%s: min_conns (%d) exceeds max_conns (%d)", section, e.MinConns, e.MaxConns)
	}
	if err := validateExhaustedAction(e.ExhaustedAction); err != nil {
		return fmt.Errorf("%s: %w", section, err)
	}
	switch strings.ToLower(e.TLSMode) {
	case "", TLSModeDisable, TLSModeRequire, TLSModeVerifyCA, TLSModeVerifyFull:
	default:
		return fmt.Errorf("%s: invalid tls_mode '%s', must be one of: %s", section, e.TLSMode,
			strings.Join([]string{TLSModeDisable, TLSModeRequire, TLSModeVerifyCA, TLSModeVerifyFull}, ", "))
	}
	if (e.TLSCertFile == "") != (e.TLSKeyFile == "") {
		return fmt.Errorf("%s: tls_cert_file and tls_key_file must be set together", section)
	}
	for name, value := range map[string]string{
		"max_wait_time": e.MaxWaitTime,
		"max_idle_time": e.MaxIdleTime,
		"max_lifetime":  e.MaxLifetime,
	} {
		if value == "" {
			continue
		}
		if _, err := helpers.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s.%s: %w", section, name, err)
		}
	}
	return nil
}

func validateExhaustedAction(action string) error {
	switch strings.ToLower(action) {
	case "", ExhaustedBlock, ExhaustedGrow, ExhaustedFail:
		return nil
	}
	return fmt.Errorf("invalid exhausted_action '%s', must be one of: %s", action,
		strings.Join([]string{ExhaustedBlock, ExhaustedGrow, ExhaustedFail}, ", "))
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// This function should be used instead of toml.DecodeFile directly to ensure consistent handling of config values.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}
		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %s", configPath, err.Error())
		log.Printf("WARNING: Ignoring duplicate entries. Only the first occurrence of each key will be used.")

		cleanedContent, parseErr := removeDuplicateKeysFromTOML(string(content))
		if parseErr != nil {
			return enhanceConfigError(err)
		}
		metadata, err = toml.Decode(cleanedContent, cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	// Unknown keys are usually typos; they never fail the load.
	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML comments out every repeated key, keeping the first occurrence.
// Each [[array.table]] element starts with a fresh key set.
func removeDuplicateKeysFromTOML(content string) (string, error) {
	lines := strings.Split(content, "\n")
	seenKeys := make(map[string]int)
	var result []string
	var currentSection string

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			result = append(result, line)
			continue
		}

		if strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]") {
			currentSection = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			for k := range seenKeys {
				if strings.HasPrefix(k, currentSection+".") {
					delete(seenKeys, k)
				}
			}
			result = append(result, line)
			continue
		}
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			currentSection = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			result = append(result, line)
			continue
		}

		if key, _, found := strings.Cut(trimmed, "="); found {
			fullKey := strings.TrimSpace(key)
			if currentSection != "" {
				fullKey = currentSection + "." + fullKey
			}
			if prevLine, exists := seenKeys[fullKey]; exists {
				log.Printf("WARNING: Duplicate key '%s' found at line %d (first occurrence at line %d). Ignoring duplicate.",
					fullKey, lineNum+1, prevLine+1)
				result = append(result, "# DUPLICATE IGNORED: "+line)
				continue
			}
			seenKeys[fullKey] = lineNum
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n"), nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - All brackets and braces are balanced\n"+
			"  - Section headers use [section] or [[array]] format", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Map:
		// Map values are not addressable; rebuild string entries in place.
		if v.Type().Elem().Kind() != reflect.String {
			return
		}
		for _, key := range v.MapKeys() {
			v.SetMapIndex(key, reflect.ValueOf(strings.TrimSpace(v.MapIndex(key).String())))
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}

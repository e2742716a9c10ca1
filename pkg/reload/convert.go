package reload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/tenantdb/config"
	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/db"
	"github.com/migadu/tenantdb/helpers"
	"github.com/migadu/tenantdb/pkg/pool"
	"github.com/migadu/tenantdb/pkg/registry"
)

// EndpointFromConfig converts a configured endpoint.
func EndpointFromConfig(e config.EndpointConfig) pool.Endpoint {
	return pool.Endpoint{
		URL:      e.URL,
		User:     e.User,
		Password: e.Password,
		Params:   e.Params,
		TLS: pool.TLSSettings{
			Mode:       e.TLSMode,
			CAFile:     e.TLSCAFile,
			CertFile:   e.TLSCertFile,
			KeyFile:    e.TLSKeyFile,
			ServerName: e.TLSServerName,
		},
	}
}

// LimitsFromConfig derives pool limits from the defaults, overridden by the
// sizing fields of e when e is non-nil.
func LimitsFromConfig(defaults config.PoolConfig, e *config.EndpointConfig) (pool.Limits, error) {
	limits, err := defaultLimits(defaults)
	if err != nil {
		return pool.Limits{}, err
	}
	if e == nil {
		return limits, limits.Validate()
	}

	if e.MaxConns > 0 {
		limits.MaxSize = e.MaxConns
	}
	if e.MinConns > 0 {
		limits.MinSize = e.MinConns
	}
	if limits.MinSize > limits.MaxSize {
		limits.MinSize = limits.MaxSize
	}
	if e.ExhaustedAction != "" {
		if limits.ExhaustedAction, err = pool.ParseExhaustedAction(e.ExhaustedAction); err != nil {
			return pool.Limits{}, err
		}
	}
	for _, o := range []struct {
		value string
		dst   *time.Duration
	}{
		{e.MaxWaitTime, &limits.MaxWaitTime},
		{e.MaxIdleTime, &limits.MaxIdleTime},
		{e.MaxLifetime, &limits.MaxLifetime},
	} {
		if o.value == "" {
			continue
		}
		if *o.dst, err = helpers.ParseDuration(o.value); err != nil {
			return pool.Limits{}, err
		}
	}
	return limits, limits.Validate()
}

func defaultLimits(d config.PoolConfig) (pool.Limits, error) {
	action, err := pool.ParseExhaustedAction(d.GetExhaustedAction())
	if err != nil {
		return pool.Limits{}, err
	}
	wait, err := d.GetMaxWaitTime()
	if err != nil {
		return pool.Limits{}, err
	}
	idle, err := d.GetMaxIdleTime()
	if err != nil {
		return pool.Limits{}, err
	}
	lifetime, err := d.GetMaxLifetime()
	if err != nil {
		return pool.Limits{}, err
	}
	longHeld, err := d.GetLongHeldWarning()
	if err != nil {
		return pool.Limits{}, err
	}
	return pool.Limits{
		MinSize:            d.MinConns,
		MaxSize:            d.MaxConns,
		MaxIdleTime:        idle,
		MaxLifetime:        lifetime,
		MaxWaitTime:        wait,
		ExhaustedAction:    action,
		TestOnCheckout:     d.TestOnCheckout,
		TestOnReturn:       d.TestOnReturn,
		TestOnIdleSweep:    d.TestOnIdleSweep,
		LongHeldWarning:    longHeld,
		CaptureStackTraces: d.CaptureStackTraces,
	}, nil
}

// ControlDefinitions returns the reserved control-plane pools. Without a
// [control_db.read] section the read pool reuses the write endpoint.
func ControlDefinitions(cfg *config.Config) (map[int]registry.Definition, error) {
	if cfg.ControlDB.Write == nil {
		return nil, fmt.Errorf("control_db.write is not configured")
	}
	write, err := endpointDefinition("control-write", cfg.PoolDefaults, cfg.ControlDB.Write)
	if err != nil {
		return nil, fmt.Errorf("control_db.write: %w", err)
	}
	read := write
	read.Name = "control-read"
	if cfg.ControlDB.Read != nil {
		if read, err = endpointDefinition("control-read", cfg.PoolDefaults, cfg.ControlDB.Read); err != nil {
			return nil, fmt.Errorf("control_db.read: %w", err)
		}
	}
	return map[int]registry.Definition{
		consts.ControlWritePoolID: write,
		consts.ControlReadPoolID:  read,
	}, nil
}

// GlobalDefinitions returns the statically configured shared databases.
func GlobalDefinitions(cfg *config.Config) (map[int]registry.Definition, error) {
	defs := make(map[int]registry.Definition, len(cfg.GlobalDBs))
	for i := range cfg.GlobalDBs {
		g := &cfg.GlobalDBs[i]
		name := g.Name
		if name == "" {
			name = fmt.Sprintf("global-%d", g.PoolID)
		}
		def, err := endpointDefinition(name, cfg.PoolDefaults, &g.EndpointConfig)
		if err != nil {
			return nil, fmt.Errorf("global_db %s: %w", name, err)
		}
		defs[g.PoolID] = def
	}
	return defs, nil
}

func endpointDefinition(name string, defaults config.PoolConfig, e *config.EndpointConfig) (registry.Definition, error) {
	limits, err := LimitsFromConfig(defaults, e)
	if err != nil {
		return registry.Definition{}, err
	}
	return registry.Definition{Name: name, Endpoint: EndpointFromConfig(*e), Limits: limits}, nil
}

// RecordSource reads tenant pool rows. *db.Database implements it.
type RecordSource interface {
	PoolDefinition(ctx context.Context, id int) (db.PoolRecord, bool, error)
}

// DefinitionSource turns db_pool rows into pool definitions, filling unset
// sizes from the current pool defaults. A hard limit blocks at MaxConns; a
// soft one grows past it.
type DefinitionSource struct {
	records RecordSource

	mu       sync.RWMutex
	defaults config.PoolConfig
}

var _ registry.DefinitionSource = (*DefinitionSource)(nil)

func NewDefinitionSource(records RecordSource, defaults config.PoolConfig) *DefinitionSource {
	return &DefinitionSource{records: records, defaults: defaults}
}

// SetDefaults replaces the defaults used for later lookups.
func (s *DefinitionSource) SetDefaults(defaults config.PoolConfig) {
	s.mu.Lock()
	s.defaults = defaults
	s.mu.Unlock()
}

func (s *DefinitionSource) PoolDefinition(ctx context.Context, poolID int) (registry.Definition, bool, error) {
	rec, found, err := s.records.PoolDefinition(ctx, poolID)
	if err != nil || !found {
		return registry.Definition{}, found, err
	}
	s.mu.RLock()
	defaults := s.defaults
	s.mu.RUnlock()

	def, err := RecordDefinition(rec, defaults)
	if err != nil {
		return registry.Definition{}, false, err
	}
	return def, true, nil
}

// RecordDefinition converts one db_pool row.
func RecordDefinition(rec db.PoolRecord, defaults config.PoolConfig) (registry.Definition, error) {
	limits, err := defaultLimits(defaults)
	if err != nil {
		return registry.Definition{}, err
	}
	if rec.MaxConns > 0 {
		limits.MaxSize = rec.MaxConns
	}
	if rec.MinConns > 0 {
		limits.MinSize = rec.MinConns
	}
	if limits.MinSize > limits.MaxSize {
		limits.MinSize = limits.MaxSize
	}
	limits.ExhaustedAction = pool.Grow
	if rec.HardLimit {
		limits.ExhaustedAction = pool.Block
	}
	if err := limits.Validate(); err != nil {
		return registry.Definition{}, fmt.Errorf("pool %d: %w", rec.ID, err)
	}
	return registry.Definition{
		Name: fmt.Sprintf("tenant-%d", rec.ID),
		Endpoint: pool.Endpoint{
			URL:      rec.URL,
			User:     rec.Login,
			Password: rec.Password,
			Params:   rec.Params,
		},
		Limits: limits,
	}, nil
}

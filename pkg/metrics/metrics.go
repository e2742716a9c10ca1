package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool metrics, labelled by pool id
var (
	PoolConnectionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_pool_connections_created_total",
			Help: "Total number of physical connections opened",
		},
		[]string{"pool"},
	)

	PoolConnectionsDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_pool_connections_destroyed_total",
			Help: "Total number of physical connections closed",
		},
		[]string{"pool", "reason"},
	)

	PoolCheckoutWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenantdb_pool_checkout_wait_seconds",
			Help:    "Time spent obtaining a handle from a pool",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"pool"},
	)

	PoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantdb_pool_idle_conns",
			Help: "Number of idle handles in the pool",
		},
		[]string{"pool"},
	)

	PoolActiveConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantdb_pool_active_conns",
			Help: "Number of handles checked out of the pool",
		},
		[]string{"pool"},
	)

	PoolCheckoutErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_pool_checkout_errors_total",
			Help: "Total number of failed checkouts by error kind",
		},
		[]string{"pool", "kind"},
	)
)

// Registry metrics
var (
	RegistryPools = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantdb_registry_pools",
			Help: "Number of live pools by category",
		},
		[]string{"category"},
	)

	RegistryPoolsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_registry_pools_created_total",
			Help: "Total number of pools created on first reference",
		},
		[]string{"category"},
	)

	RegistryPoolsReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_registry_pools_reaped_total",
			Help: "Total number of empty pools destroyed by the reaper",
		},
		[]string{"category"},
	)

	RegistryDestroyRefused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tenantdb_registry_destroy_refused_total",
			Help: "Total number of reaper destructions vetoed by the owning factory",
		},
	)
)

// Assignment resolver metrics
var (
	ResolverLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_resolver_lookups_total",
			Help: "Total number of assignment lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "not_found", "error"
	)

	ResolverInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_resolver_invalidations_total",
			Help: "Total number of assignment cache invalidations by origin",
		},
		[]string{"origin"}, // "local", "remote"
	)

	ResolverCachedAssignments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenantdb_resolver_cached_assignments",
			Help: "Number of assignments held in the cache",
		},
	)

	InvalidationMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_invalidation_messages_total",
			Help: "Total number of cross-process invalidation messages by outcome",
		},
		[]string{"outcome"}, // "published", "publish_error", "received", "ignored", "malformed"
	)
)

// Replication router metrics
var (
	RouterAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_router_acquisitions_total",
			Help: "Total number of routed connections by target",
		},
		[]string{"target"}, // "master", "replica", "master_fallback"
	)

	RouterCounterFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_router_counter_failures_total",
			Help: "Total number of failed transaction counter reads or increments",
		},
		[]string{"operation"}, // "read", "increment"
	)

	RouterRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tenantdb_router_retries_total",
			Help: "Total number of acquire attempts repeated after a transient failure",
		},
	)
)

// Configuration reload metrics
var (
	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_config_reloads_total",
			Help: "Total number of configuration reloads",
		},
		[]string{"status"},
	)

	PoolsReconfigured = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tenantdb_pools_reconfigured_total",
			Help: "Total number of pools hot-swapped to a new endpoint or limits",
		},
	)
)

// Control plane gauges updated by the collector
var (
	TenantsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenantdb_tenants_total",
			Help: "Number of tenant assignments in this cluster",
		},
	)

	SchemasTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenantdb_schemas_total",
			Help: "Number of tenant schemas in this cluster",
		},
	)

	PoolDefinitionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenantdb_pool_definitions_total",
			Help: "Number of pool definitions in the control database",
		},
	)
)

// Health status metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantdb_component_health_status",
			Help: "Health status of components (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component", "hostname"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_component_health_checks_total",
			Help: "Total number of health checks performed",
		},
		[]string{"component", "hostname", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenantdb_component_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"component", "hostname"},
	)
)

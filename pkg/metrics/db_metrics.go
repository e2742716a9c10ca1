package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Control database statement metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_db_queries_total",
			Help: "Total number of control and tenant bookkeeping statements.",
		},
		[]string{"operation", "status"}, // status: "success", "error"
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenantdb_db_query_duration_seconds",
			Help:    "Duration of control and tenant bookkeeping statements in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

// Dial circuit breaker metrics
var (
	DialBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantdb_dial_breaker_state",
			Help: "State of the per-endpoint dial breaker (0=closed, 1=half_open, 2=open).",
		},
		[]string{"endpoint"},
	)

	DialFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantdb_dial_failures_total",
			Help: "Total number of failed connection attempts.",
		},
		[]string{"endpoint"},
	)
)

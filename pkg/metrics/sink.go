package metrics

import (
	"strconv"
	"time"
)

// PoolSink forwards pool events to the prometheus collectors. It satisfies
// pool.MetricsSink.
type PoolSink struct{}

func (PoolSink) ConnectionCreated(poolID int) {
	PoolConnectionsCreated.WithLabelValues(poolLabel(poolID)).Inc()
}

func (PoolSink) ConnectionAcquired(poolID int, wait time.Duration) {
	PoolCheckoutWait.WithLabelValues(poolLabel(poolID)).Observe(wait.Seconds())
}

func (PoolSink) ConnectionDestroyed(poolID int, reason string) {
	PoolConnectionsDestroyed.WithLabelValues(poolLabel(poolID), reason).Inc()
}

func (PoolSink) PoolSize(poolID int, idle, active int) {
	label := poolLabel(poolID)
	PoolIdleConns.WithLabelValues(label).Set(float64(idle))
	PoolActiveConns.WithLabelValues(label).Set(float64(active))
}

// ForgetPool drops the per-pool series of a destroyed pool.
func ForgetPool(poolID int) {
	label := poolLabel(poolID)
	PoolIdleConns.DeleteLabelValues(label)
	PoolActiveConns.DeleteLabelValues(label)
}

func poolLabel(poolID int) string {
	return strconv.Itoa(poolID)
}

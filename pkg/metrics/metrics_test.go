package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSink(t *testing.T) {
	PoolConnectionsCreated.Reset()
	PoolConnectionsDestroyed.Reset()
	PoolIdleConns.Reset()
	PoolActiveConns.Reset()

	var sink PoolSink
	sink.ConnectionCreated(7)
	sink.ConnectionCreated(7)
	sink.ConnectionDestroyed(7, "expired")
	sink.ConnectionAcquired(7, 3*time.Millisecond)
	sink.PoolSize(7, 2, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(PoolConnectionsCreated.WithLabelValues("7")))
	assert.Equal(t, 1.0, testutil.ToFloat64(PoolConnectionsDestroyed.WithLabelValues("7", "expired")))
	assert.Equal(t, 2.0, testutil.ToFloat64(PoolIdleConns.WithLabelValues("7")))
	assert.Equal(t, 5.0, testutil.ToFloat64(PoolActiveConns.WithLabelValues("7")))

	ForgetPool(7)
	assert.Equal(t, 0, testutil.CollectAndCount(PoolIdleConns))
	assert.Equal(t, 0, testutil.CollectAndCount(PoolActiveConns))
}

func TestNegativePoolIDLabels(t *testing.T) {
	PoolConnectionsCreated.Reset()
	PoolSink{}.ConnectionCreated(-1)
	assert.Equal(t, 1.0, testutil.ToFloat64(PoolConnectionsCreated.WithLabelValues("-1")))
}

type mockStatsProvider struct {
	stats *ControlStats
	err   error
}

func (m *mockStatsProvider) ControlStats(context.Context) (*ControlStats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

func TestCollectorUpdatesGauges(t *testing.T) {
	TenantsTotal.Set(0)
	SchemasTotal.Set(0)
	PoolDefinitionsTotal.Set(0)

	provider := &mockStatsProvider{stats: &ControlStats{Tenants: 42, Schemas: 3, PoolDefinitions: 6}}
	collector := NewCollector(provider, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(TenantsTotal) == 42
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(SchemasTotal))
	assert.Equal(t, 6.0, testutil.ToFloat64(PoolDefinitionsTotal))

	cancel()
	<-done
}

func TestCollectorStopAndErrors(t *testing.T) {
	TenantsTotal.Set(5)
	collector := NewCollector(&mockStatsProvider{err: errors.New("control database down")}, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		collector.Start(context.Background())
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	collector.Stop()
	<-done

	assert.Equal(t, 5.0, testutil.ToFloat64(TenantsTotal), "failed collection leaves gauges untouched")
}

func TestMetricsEndpointExposesSeries(t *testing.T) {
	RouterAcquisitions.Reset()
	RouterAcquisitions.WithLabelValues("replica").Add(3)

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tenantdb_router_acquisitions_total{target="replica"} 3`)
}

package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/tenantdb/pkg/metrics"
)

// ControlStats counts the tenants and schemas of one cluster and the pool
// definitions of the whole control database.
func (d *Database) ControlStats(ctx context.Context, clusterID int) (*metrics.ControlStats, error) {
	stats := &metrics.ControlStats{}
	err := d.withConn(ctx, false, "control_stats", func(ctx context.Context, conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT
				(SELECT COUNT(*) FROM tenant_assignment WHERE cluster_id = $1),
				(SELECT COUNT(DISTINCT (write_pool_id, schema_name)) FROM tenant_assignment WHERE cluster_id = $1),
				(SELECT COUNT(*) FROM db_pool)
		`, clusterID).Scan(&stats.Tenants, &stats.Schemas, &stats.PoolDefinitions)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

type clusterStats struct {
	d         *Database
	clusterID int
}

func (c clusterStats) ControlStats(ctx context.Context) (*metrics.ControlStats, error) {
	return c.d.ControlStats(ctx, c.clusterID)
}

// StatsProvider feeds the metrics collector with the counts of clusterID.
func (d *Database) StatsProvider(clusterID int) metrics.StatsProvider {
	return clusterStats{d: d, clusterID: clusterID}
}

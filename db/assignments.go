package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/pkg/assignment"
)

// LoadAssignment reads the assignment of a tenant. A missing row is
// consts.ErrAssignmentNotFound.
func (d *Database) LoadAssignment(ctx context.Context, clusterID, tenantID int) (*assignment.Assignment, error) {
	var a *assignment.Assignment
	err := d.withConn(ctx, false, "load_assignment", func(ctx context.Context, conn *pgx.Conn) error {
		var readPoolID, writePoolID int
		var schema string
		err := conn.QueryRow(ctx, `
			SELECT read_pool_id, write_pool_id, schema_name
			FROM tenant_assignment
			WHERE cluster_id = $1 AND tenant_id = $2
		`, clusterID, tenantID).Scan(&readPoolID, &writePoolID, &schema)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("tenant %d in cluster %d: %w", tenantID, clusterID, consts.ErrAssignmentNotFound)
		}
		if err != nil {
			return err
		}
		a = assignment.New(tenantID, clusterID, readPoolID, writePoolID, schema)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// WriteAssignment creates or moves a tenant and keeps schema_pool counts in
// step with the mapping.
func (d *Database) WriteAssignment(ctx context.Context, a *assignment.Assignment) error {
	if err := ValidateSchemaName(a.Schema()); err != nil {
		return err
	}
	return d.withTx(ctx, "write_assignment", func(ctx context.Context, tx pgx.Tx) error {
		var prevPool int
		var prevSchema string
		err := tx.QueryRow(ctx, `
			SELECT write_pool_id, schema_name
			FROM tenant_assignment
			WHERE cluster_id = $1 AND tenant_id = $2
			FOR UPDATE
		`, a.ClusterID(), a.TenantID()).Scan(&prevPool, &prevSchema)
		existed := true
		if errors.Is(err, pgx.ErrNoRows) {
			existed = false
		} else if err != nil {
			return fmt.Errorf("lock previous assignment: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO tenant_assignment (cluster_id, tenant_id, read_pool_id, write_pool_id, schema_name)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (cluster_id, tenant_id) DO UPDATE SET
				read_pool_id = EXCLUDED.read_pool_id,
				write_pool_id = EXCLUDED.write_pool_id,
				schema_name = EXCLUDED.schema_name,
				updated_at = now()
		`, a.ClusterID(), a.TenantID(), a.ReadPoolID(), a.WritePoolID(), a.Schema())
		if err != nil {
			return fmt.Errorf("upsert assignment: %w", err)
		}

		if existed && prevPool == a.WritePoolID() && prevSchema == a.Schema() {
			return nil
		}
		if existed {
			if err := adjustSchemaCount(ctx, tx, prevPool, prevSchema, -1); err != nil {
				return err
			}
		}
		return adjustSchemaCount(ctx, tx, a.WritePoolID(), a.Schema(), 1)
	})
}

// DeleteAssignment removes a tenant. Deleting an unknown tenant is
// consts.ErrAssignmentNotFound.
func (d *Database) DeleteAssignment(ctx context.Context, clusterID, tenantID int) error {
	return d.withTx(ctx, "delete_assignment", func(ctx context.Context, tx pgx.Tx) error {
		var writePoolID int
		var schema string
		err := tx.QueryRow(ctx, `
			DELETE FROM tenant_assignment
			WHERE cluster_id = $1 AND tenant_id = $2
			RETURNING write_pool_id, schema_name
		`, clusterID, tenantID).Scan(&writePoolID, &schema)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("tenant %d in cluster %d: %w", tenantID, clusterID, consts.ErrAssignmentNotFound)
		}
		if err != nil {
			return err
		}
		return adjustSchemaCount(ctx, tx, writePoolID, schema, -1)
	})
}

func adjustSchemaCount(ctx context.Context, tx pgx.Tx, writePoolID int, schema string, delta int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO schema_pool (write_pool_id, schema_name, tenant_count)
		VALUES ($1, $2, GREATEST($3, 0))
		ON CONFLICT (write_pool_id, schema_name) DO UPDATE SET
			tenant_count = GREATEST(schema_pool.tenant_count + $3, 0)
	`, writePoolID, schema, delta)
	if err != nil {
		return fmt.Errorf("adjust tenant count of schema %s on pool %d: %w", schema, writePoolID, err)
	}
	return nil
}

// TenantsInSchema lists the tenants of a cluster placed in schema on writePoolID.
func (d *Database) TenantsInSchema(ctx context.Context, clusterID, writePoolID int, schema string) ([]int, error) {
	var ids []int
	err := d.withConn(ctx, false, "tenants_in_schema", func(ctx context.Context, conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT tenant_id
			FROM tenant_assignment
			WHERE cluster_id = $1 AND write_pool_id = $2 AND schema_name = $3
			ORDER BY tenant_id
		`, clusterID, writePoolID, schema)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[int])
		return err
	})
	return ids, err
}

// CountTenantsPerSchema counts the tenants of a cluster per schema on writePoolID.
func (d *Database) CountTenantsPerSchema(ctx context.Context, clusterID, writePoolID int) ([]assignment.SchemaCount, error) {
	var counts []assignment.SchemaCount
	err := d.withConn(ctx, false, "count_tenants_per_schema", func(ctx context.Context, conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT schema_name, COUNT(*)
			FROM tenant_assignment
			WHERE cluster_id = $1 AND write_pool_id = $2
			GROUP BY schema_name
			ORDER BY schema_name
		`, clusterID, writePoolID)
		if err != nil {
			return err
		}
		counts, err = collectSchemaCounts(rows)
		return err
	})
	return counts, err
}

// UnfilledSchemas lists schemas on writePoolID that hold fewer than
// maxTenants tenants, fullest first so placements pack schemas densely.
func (d *Database) UnfilledSchemas(ctx context.Context, clusterID, writePoolID, maxTenants int) ([]assignment.SchemaCount, error) {
	var counts []assignment.SchemaCount
	err := d.withConn(ctx, false, "unfilled_schemas", func(ctx context.Context, conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT sp.schema_name, COALESCE(t.tenants, 0)
			FROM schema_pool sp
			LEFT JOIN (
				SELECT write_pool_id, schema_name, COUNT(*) AS tenants
				FROM tenant_assignment
				WHERE cluster_id = $1
				GROUP BY write_pool_id, schema_name
			) t ON t.write_pool_id = sp.write_pool_id AND t.schema_name = sp.schema_name
			WHERE sp.write_pool_id = $2 AND COALESCE(t.tenants, 0) < $3
			ORDER BY COALESCE(t.tenants, 0) DESC, sp.schema_name
		`, clusterID, writePoolID, maxTenants)
		if err != nil {
			return err
		}
		counts, err = collectSchemaCounts(rows)
		return err
	})
	return counts, err
}

func collectSchemaCounts(rows pgx.Rows) ([]assignment.SchemaCount, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (assignment.SchemaCount, error) {
		var c assignment.SchemaCount
		err := row.Scan(&c.Schema, &c.Tenants)
		return c, err
	})
}

// RegisterSchema records an empty schema on writePoolID so placement can
// find it before the first tenant moves in.
func (d *Database) RegisterSchema(ctx context.Context, writePoolID int, schema string) error {
	if err := ValidateSchemaName(schema); err != nil {
		return err
	}
	return d.withConn(ctx, true, "register_schema", func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO schema_pool (write_pool_id, schema_name, tenant_count)
			VALUES ($1, $2, 0)
			ON CONFLICT (write_pool_id, schema_name) DO NOTHING
		`, writePoolID, schema)
		return err
	})
}

package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PoolRecord is one row of db_pool. Zero MaxConns and MinConns mean "use
// the configured pool defaults".
type PoolRecord struct {
	ID        int               `json:"pool_id"`
	URL       string            `json:"url"`
	Login     string            `json:"login"`
	Password  string            `json:"-"`
	Params    map[string]string `json:"params,omitempty"`
	MaxConns  int               `json:"max_conns"`
	MinConns  int               `json:"min_conns"`
	HardLimit bool              `json:"hard_limit"`
}

// ClusterRecord is one row of db_cluster.
type ClusterRecord struct {
	ID          int `json:"cluster_id"`
	ReadPoolID  int `json:"read_pool_id"`
	WritePoolID int `json:"write_pool_id"`
	MaxTenants  int `json:"max_tenants"`
}

const poolColumns = `pool_id, url, login, password, params, max_conns, min_conns, hard_limit`

func scanPool(row pgx.CollectableRow) (PoolRecord, error) {
	var p PoolRecord
	err := row.Scan(&p.ID, &p.URL, &p.Login, &p.Password, &p.Params, &p.MaxConns, &p.MinConns, &p.HardLimit)
	return p, err
}

// PoolDefinition reads the definition of pool id. found is false when no row exists.
func (d *Database) PoolDefinition(ctx context.Context, id int) (rec PoolRecord, found bool, err error) {
	err = d.withConn(ctx, false, "pool_definition", func(ctx context.Context, conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+poolColumns+` FROM db_pool WHERE pool_id = $1`, id)
		if err != nil {
			return err
		}
		rec, err = pgx.CollectExactlyOneRow(rows, scanPool)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return rec, found, err
}

// ListPoolDefinitions returns every pool definition ordered by id.
func (d *Database) ListPoolDefinitions(ctx context.Context) ([]PoolRecord, error) {
	var recs []PoolRecord
	err := d.withConn(ctx, false, "list_pool_definitions", func(ctx context.Context, conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+poolColumns+` FROM db_pool ORDER BY pool_id`)
		if err != nil {
			return err
		}
		recs, err = pgx.CollectRows(rows, scanPool)
		return err
	})
	return recs, err
}

// UpsertPoolDefinition creates or replaces a pool definition. Live pools pick
// up the change at the next tenant pool refresh.
func (d *Database) UpsertPoolDefinition(ctx context.Context, rec PoolRecord) error {
	if rec.ID < 0 {
		return fmt.Errorf("pool id %d is reserved", rec.ID)
	}
	if rec.URL == "" {
		return fmt.Errorf("pool %d: url is required", rec.ID)
	}
	params := rec.Params
	if params == nil {
		params = map[string]string{}
	}
	return d.withConn(ctx, true, "upsert_pool_definition", func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO db_pool (`+poolColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (pool_id) DO UPDATE SET
				url = EXCLUDED.url,
				login = EXCLUDED.login,
				password = EXCLUDED.password,
				params = EXCLUDED.params,
				max_conns = EXCLUDED.max_conns,
				min_conns = EXCLUDED.min_conns,
				hard_limit = EXCLUDED.hard_limit,
				updated_at = now()
		`, rec.ID, rec.URL, rec.Login, rec.Password, params, rec.MaxConns, rec.MinConns, rec.HardLimit)
		return err
	})
}

// DeletePoolDefinition removes a pool definition that no cluster references.
func (d *Database) DeletePoolDefinition(ctx context.Context, id int) error {
	return d.withConn(ctx, true, "delete_pool_definition", func(ctx context.Context, conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM db_pool WHERE pool_id = $1`, id)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return fmt.Errorf("pool %d: %w", id, ErrPoolInUse)
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("pool %d: %w", id, ErrPoolNotFound)
		}
		return nil
	})
}

// Cluster reads a cluster definition.
func (d *Database) Cluster(ctx context.Context, id int) (ClusterRecord, error) {
	var c ClusterRecord
	err := d.withConn(ctx, false, "cluster", func(ctx context.Context, conn *pgx.Conn) error {
		err := conn.QueryRow(ctx, `
			SELECT cluster_id, read_pool_id, write_pool_id, max_tenants
			FROM db_cluster WHERE cluster_id = $1
		`, id).Scan(&c.ID, &c.ReadPoolID, &c.WritePoolID, &c.MaxTenants)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("cluster %d: %w", id, ErrClusterNotFound)
		}
		return err
	})
	return c, err
}

// UpsertCluster creates or replaces a cluster definition. Both pools must exist.
func (d *Database) UpsertCluster(ctx context.Context, c ClusterRecord) error {
	if c.MaxTenants <= 0 {
		return fmt.Errorf("cluster %d: max tenants must be positive", c.ID)
	}
	return d.withConn(ctx, true, "upsert_cluster", func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO db_cluster (cluster_id, read_pool_id, write_pool_id, max_tenants)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (cluster_id) DO UPDATE SET
				read_pool_id = EXCLUDED.read_pool_id,
				write_pool_id = EXCLUDED.write_pool_id,
				max_tenants = EXCLUDED.max_tenants
		`, c.ID, c.ReadPoolID, c.WritePoolID, c.MaxTenants)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return fmt.Errorf("cluster %d references an undefined pool: %w", c.ID, ErrPoolNotFound)
		}
		return err
	})
}

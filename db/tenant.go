package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/pkg/dbconn"
	"github.com/migadu/tenantdb/pkg/pool"
)

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidateSchemaName accepts lower-case identifiers that need no quoting.
func ValidateSchemaName(schema string) error {
	if !schemaNamePattern.MatchString(schema) {
		return fmt.Errorf("%q: %w", schema, ErrInvalidSchemaName)
	}
	return nil
}

// TenantSQL runs the per-tenant statements on handles routed to a tenant
// database: schema selection and the replication counter.
type TenantSQL struct{}

func conn(h *pool.Handle) (*pgx.Conn, error) {
	c, err := dbconn.FromHandle(h)
	if err != nil {
		return nil, err
	}
	return c.Pgx(), nil
}

// SelectSchema points the connection's search_path at schema.
func (TenantSQL) SelectSchema(ctx context.Context, h *pool.Handle, schema string) error {
	if err := ValidateSchemaName(schema); err != nil {
		return err
	}
	c, err := conn(h)
	if err != nil {
		return err
	}
	_, err = c.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
	return err
}

// ReadCounter returns the tenant's transaction counter, 0 when the tenant
// has never written.
func (TenantSQL) ReadCounter(ctx context.Context, h *pool.Handle, tenantID int) (int64, error) {
	c, err := conn(h)
	if err != nil {
		return 0, err
	}
	var v int64
	err = c.QueryRow(ctx, `
		SELECT transaction_counter FROM replication_monitor WHERE tenant_id = $1
	`, tenantID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read transaction counter of tenant %d: %w: %w", tenantID, consts.ErrStorage, err)
	}
	return v, nil
}

// IncrementCounter increments the tenant's transaction counter and returns
// the new value in one statement, so concurrent writers on any process
// each observe a distinct value.
func (TenantSQL) IncrementCounter(ctx context.Context, h *pool.Handle, tenantID int) (int64, error) {
	c, err := conn(h)
	if err != nil {
		return 0, err
	}
	var v int64
	err = c.QueryRow(ctx, `
		INSERT INTO replication_monitor (tenant_id, transaction_counter)
		VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO UPDATE
			SET transaction_counter = replication_monitor.transaction_counter + 1
		RETURNING transaction_counter
	`, tenantID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("increment transaction counter of tenant %d: %w: %w", tenantID, consts.ErrStorage, err)
	}
	return v, nil
}

// CreateTenantSchema creates schema and its replication_monitor table on
// the handle's database. It is idempotent.
func (TenantSQL) CreateTenantSchema(ctx context.Context, h *pool.Handle, schema string) error {
	if err := ValidateSchemaName(schema); err != nil {
		return err
	}
	c, err := conn(h)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, c, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
			return fmt.Errorf("create schema %s: %w", schema, err)
		}
		_, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+pgx.Identifier{schema, "replication_monitor"}.Sanitize()+` (
			tenant_id           BIGINT PRIMARY KEY,
			transaction_counter BIGINT NOT NULL DEFAULT 0
		)`)
		if err != nil {
			return fmt.Errorf("create replication_monitor in %s: %w", schema, err)
		}
		return nil
	})
}

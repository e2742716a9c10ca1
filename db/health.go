package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

type HealthStatus struct {
	ComponentName  string          `json:"component_name"`
	Status         ComponentStatus `json:"status"`
	LastCheck      time.Time       `json:"last_check"`
	LastError      *string         `json:"last_error,omitempty"`
	CheckCount     int             `json:"check_count"`
	FailCount      int             `json:"fail_count"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	ServerHostname string          `json:"server_hostname"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type SystemHealthOverview struct {
	OverallStatus    ComponentStatus `json:"overall_status"`
	ComponentCount   int             `json:"component_count"`
	HealthyCount     int             `json:"healthy_count"`
	DegradedCount    int             `json:"degraded_count"`
	UnhealthyCount   int             `json:"unhealthy_count"`
	UnreachableCount int             `json:"unreachable_count"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// StoreHealthStatus stores or updates the health status of a component on one server.
func (d *Database) StoreHealthStatus(ctx context.Context, hostname, componentName string, status ComponentStatus, lastError error, checkCount, failCount int, metadata map[string]any) error {
	var errorStr *string
	if lastError != nil {
		s := lastError.Error()
		errorStr = &s
	}

	var metadataJSON []byte
	if metadata != nil {
		var err error
		if metadataJSON, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	return d.withConn(ctx, true, "store_health_status", func(ctx context.Context, conn *pgx.Conn) error {
		now := time.Now()
		_, err := conn.Exec(ctx, `
			INSERT INTO health_status (
				component_name, server_hostname, status, last_check, last_error,
				check_count, fail_count, metadata, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (component_name, server_hostname)
			DO UPDATE SET
				status = EXCLUDED.status,
				last_check = EXCLUDED.last_check,
				last_error = EXCLUDED.last_error,
				check_count = EXCLUDED.check_count,
				fail_count = EXCLUDED.fail_count,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at
		`, componentName, hostname, string(status), now, errorStr, checkCount, failCount, metadataJSON, now)
		return err
	})
}

const healthColumns = `component_name, server_hostname, status, last_check, last_error,
	check_count, fail_count, metadata, updated_at`

func scanHealth(row pgx.CollectableRow) (*HealthStatus, error) {
	var h HealthStatus
	var status string
	var metadataJSON []byte
	if err := row.Scan(&h.ComponentName, &h.ServerHostname, &status, &h.LastCheck, &h.LastError,
		&h.CheckCount, &h.FailCount, &metadataJSON, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.Status = ComponentStatus(status)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &h.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata of %s: %w", h.ComponentName, err)
		}
	}
	return &h, nil
}

// GetHealthStatus returns nil when the component never reported.
func (d *Database) GetHealthStatus(ctx context.Context, hostname, componentName string) (*HealthStatus, error) {
	var h *HealthStatus
	err := d.withConn(ctx, false, "get_health_status", func(ctx context.Context, conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+healthColumns+`
			FROM health_status
			WHERE component_name = $1 AND server_hostname = $2`, componentName, hostname)
		if err != nil {
			return err
		}
		h, err = pgx.CollectExactlyOneRow(rows, scanHealth)
		if errors.Is(err, pgx.ErrNoRows) {
			h = nil
			return nil
		}
		return err
	})
	return h, err
}

// GetAllHealthStatuses lists reported components, of one server when hostname is set.
func (d *Database) GetAllHealthStatuses(ctx context.Context, hostname string) ([]*HealthStatus, error) {
	var statuses []*HealthStatus
	err := d.withConn(ctx, false, "get_all_health_statuses", func(ctx context.Context, conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+healthColumns+`
			FROM health_status
			WHERE $1 = '' OR server_hostname = $1
			ORDER BY server_hostname, component_name`, hostname)
		if err != nil {
			return err
		}
		statuses, err = pgx.CollectRows(rows, scanHealth)
		return err
	})
	return statuses, err
}

// GetSystemHealthOverview summarises component statuses, of one server when hostname is set.
func (d *Database) GetSystemHealthOverview(ctx context.Context, hostname string) (*SystemHealthOverview, error) {
	var o SystemHealthOverview
	err := d.withConn(ctx, false, "get_system_health_overview", func(ctx context.Context, conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT
				COUNT(*),
				COUNT(*) FILTER (WHERE status = 'healthy'),
				COUNT(*) FILTER (WHERE status = 'degraded'),
				COUNT(*) FILTER (WHERE status = 'unhealthy'),
				COUNT(*) FILTER (WHERE status = 'unreachable'),
				COALESCE(MAX(updated_at), now())
			FROM health_status
			WHERE $1 = '' OR server_hostname = $1
		`, hostname).Scan(&o.ComponentCount, &o.HealthyCount, &o.DegradedCount,
			&o.UnhealthyCount, &o.UnreachableCount, &o.LastUpdated)
	})
	if err != nil {
		return nil, err
	}

	switch {
	case o.ComponentCount == 0:
		o.OverallStatus = StatusUnreachable
	case o.UnhealthyCount > 0 || o.UnreachableCount > 0:
		o.OverallStatus = StatusUnhealthy
	case o.DegradedCount > 0:
		o.OverallStatus = StatusDegraded
	default:
		o.OverallStatus = StatusHealthy
	}
	return &o, nil
}

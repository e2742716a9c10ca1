package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/logger"
)

// Migrator applies the embedded control database migrations.
type Migrator struct {
	m     *migrate.Migrate
	sqlDB *sql.DB
}

// NewMigrator opens a dedicated connection for migrations. Close it when done.
func NewMigrator(ctx context.Context, connConfig *pgx.ConnConfig) (*Migrator, error) {
	sqlDB := stdlib.OpenDB(*connConfig)
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping control database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}

	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	return &Migrator{m: m, sqlDB: sqlDB}, nil
}

// Up applies all pending migrations under the migration advisory lock.
func (mg *Migrator) Up(ctx context.Context) error {
	return mg.locked(ctx, func() error {
		if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// Down reverts steps migrations, or all of them when steps <= 0.
func (mg *Migrator) Down(ctx context.Context, steps int) error {
	return mg.locked(ctx, func() error {
		if steps <= 0 {
			version, dirty, err := mg.m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				return nil
			}
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("database is dirty at version %d, fix it with force", version)
			}
			steps = int(version)
		}
		if err := mg.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to revert migrations: %w", err)
		}
		return nil
	})
}

// Force sets the recorded version without running migrations.
func (mg *Migrator) Force(ctx context.Context, version int) error {
	return mg.locked(ctx, func() error {
		return mg.m.Force(version)
	})
}

// Version returns the applied version; ok is false when nothing was applied yet.
func (mg *Migrator) Version() (version uint, dirty bool, ok bool, err error) {
	version, dirty, err = mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}
	return version, dirty, true, nil
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

func (mg *Migrator) locked(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Session-level advisory locks belong to one connection.
	c, err := mg.sqlDB.Conn(lockCtx)
	if err != nil {
		return fmt.Errorf("failed to get lock connection: %w", err)
	}
	defer c.Close()

	var acquired bool
	if err := c.QueryRowContext(lockCtx, "SELECT pg_try_advisory_lock($1)", consts.MigrationAdvisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return errors.New("could not acquire the migration lock, is another migration running?")
	}
	logger.Info("Acquired migration lock", "component", "DB")

	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var unlocked bool
		if err := c.QueryRowContext(unlockCtx, "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID).Scan(&unlocked); err != nil {
			logger.Warn("Failed to release migration lock", "component", "DB", "error", err)
		} else if !unlocked {
			logger.Warn("Migration lock was not held at release", "component", "DB")
		}
	}()

	return fn()
}

// Migrate applies pending migrations, bounded by timeout when positive.
func Migrate(ctx context.Context, connConfig *pgx.ConnConfig, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	mg, err := NewMigrator(ctx, connConfig)
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Up(ctx); err != nil {
		return err
	}
	if version, dirty, ok, err := mg.Version(); err == nil && ok {
		logger.Info("Control database schema is current", "component", "DB", "version", version, "dirty", dirty)
	}
	return nil
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "MIGRATE")
}

func (l *migrationLogger) Verbose() bool {
	return false
}

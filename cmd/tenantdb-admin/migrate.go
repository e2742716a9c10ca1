package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/migadu/tenantdb/db"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/dbconn"
	"github.com/migadu/tenantdb/pkg/reload"
)

func handleMigrateCommand(ctx context.Context) {
	switch subcommand(printMigrateUsage) {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", os.Args[2])
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Control Database Schema Migration Management

Migrations take an advisory lock, so running them next to live daemons is
safe, but reverting migrations under live daemons is not.

Usage:
  tenantdb-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  tenantdb-admin migrate up
  tenantdb-admin migrate down --limit 2
  tenantdb-admin migrate down --all
  tenantdb-admin migrate version
  tenantdb-admin migrate force 1
`)
}

// newMigrator connects straight to the control write endpoint; migrations
// do not go through a pool.
func newMigrator(ctx context.Context, fs *flag.FlagSet, configPath string) *db.Migrator {
	cfg := loadConfig(fs, configPath)
	connectTimeout, _ := cfg.PoolDefaults.GetConnectTimeout()
	lifecycle := dbconn.NewLifecycle(dbconn.Options{ConnectTimeout: connectTimeout})
	connConfig, err := lifecycle.ConnConfig(reload.EndpointFromConfig(*cfg.ControlDB.Write))
	if err != nil {
		logger.Fatalf("Invalid control database endpoint: %v", err)
	}
	mg, err := db.NewMigrator(ctx, connConfig)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	return mg
}

func showVersion(mg *db.Migrator) {
	version, dirty, ok, err := mg.Version()
	if err != nil {
		logger.Fatalf("Failed to get migration version: %v", err)
	}
	if !ok {
		fmt.Println("No migrations have been applied yet.")
		return
	}
	fmt.Printf("Current version: %d, dirty: %v\n", version, dirty)
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: tenantdb-admin migrate up [--config config.toml]")
		fmt.Println("Applies all pending upwards migrations.")
	}
	parseFlags(fs)

	mg := newMigrator(ctx, fs, *configPath)
	defer mg.Close()

	logger.Info("Applying UP migrations...")
	if err := mg.Up(ctx); err != nil {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	logger.Info("Migrations applied successfully.")
	showVersion(mg)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Usage = func() {
		fmt.Println("Usage: tenantdb-admin migrate down [--config config.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	parseFlags(fs)

	steps := *limit
	if *all {
		steps = 0
	} else if steps <= 0 {
		logger.Fatalf("--limit must be positive")
	}

	mg := newMigrator(ctx, fs, *configPath)
	defer mg.Close()

	if err := mg.Down(ctx, steps); err != nil {
		logger.Fatalf("Failed to revert migrations: %v", err)
	}
	logger.Info("Migrations reverted successfully.")
	showVersion(mg)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: tenantdb-admin migrate version [--config config.toml]")
		fmt.Println("Shows the current migration version and dirty state.")
	}
	parseFlags(fs)

	mg := newMigrator(ctx, fs, *configPath)
	defer mg.Close()
	showVersion(mg)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: tenantdb-admin migrate force [--config config.toml] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	parseFlags(fs)

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version number: %v", err)
	}

	mg := newMigrator(ctx, fs, *configPath)
	defer mg.Close()

	if err := mg.Force(ctx, version); err != nil {
		logger.Fatalf("Failed to force version %d: %v", version, err)
	}
	logger.Infof("Forced migration version to %d.", version)
	showVersion(mg)
}

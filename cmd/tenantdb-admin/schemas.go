package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/migadu/tenantdb/db"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/assignment"
)

func handleSchemaCommand(ctx context.Context) {
	switch subcommand(printSchemaUsage) {
	case "counts":
		handleSchemaCounts(ctx)
	case "unfilled":
		handleSchemaUnfilled(ctx)
	case "tenants":
		handleSchemaTenants(ctx)
	case "create":
		handleSchemaCreate(ctx)
	case "help", "--help", "-h":
		printSchemaUsage()
	default:
		fmt.Printf("Unknown schema subcommand: %s\n\n", os.Args[2])
		printSchemaUsage()
		os.Exit(1)
	}
}

func printSchemaUsage() {
	fmt.Printf(`Tenant Schema Management

Usage:
  tenantdb-admin schema <subcommand> [options]

Subcommands:
  counts     Number of tenants per schema on a write pool
  unfilled   Schemas holding fewer than --max tenants
  tenants    Tenants assigned to one schema
  create     Create a schema and its replication_monitor table, then register it

Examples:
  tenantdb-admin schema counts --pool 10
  tenantdb-admin schema unfilled --pool 10 --max 500
  tenantdb-admin schema tenants --pool 10 --schema tenants_0001
  tenantdb-admin schema create --pool 10 --schema tenants_0002
`)
}

func printSchemaCounts(counts []assignment.SchemaCount) {
	if len(counts) == 0 {
		fmt.Println("No schemas found.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCHEMA\tTENANTS")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\n", c.Schema, c.Tenants)
	}
	w.Flush()
}

func handleSchemaCounts(ctx context.Context) {
	fs := flag.NewFlagSet("schema counts", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	cluster := fs.Int("cluster", 0, "Cluster id")
	pool := fs.Int("pool", 0, "Write pool id (required)")
	parseFlags(fs)
	requireInt(fs, "pool", *pool)

	env := connect(ctx, fs, *configPath)
	defer env.Close()

	counts, err := env.control.CountTenantsPerSchema(ctx, env.clusterID(fs, *cluster), *pool)
	if err != nil {
		logger.Fatalf("Failed to count tenants: %v", err)
	}
	printSchemaCounts(counts)
}

func handleSchemaUnfilled(ctx context.Context) {
	fs := flag.NewFlagSet("schema unfilled", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	cluster := fs.Int("cluster", 0, "Cluster id")
	pool := fs.Int("pool", 0, "Write pool id (required)")
	maxTenants := fs.Int("max", 0, "Capacity of one schema (default: max_tenants of the cluster)")
	parseFlags(fs)
	requireInt(fs, "pool", *pool)

	env := connect(ctx, fs, *configPath)
	defer env.Close()

	clusterID := env.clusterID(fs, *cluster)
	if *maxTenants <= 0 {
		c, err := env.control.Cluster(ctx, clusterID)
		if err != nil {
			logger.Fatalf("No --max given and cluster %d has no defaults: %v", clusterID, err)
		}
		*maxTenants = c.MaxTenants
	}

	counts, err := env.control.UnfilledSchemas(ctx, clusterID, *pool, *maxTenants)
	if err != nil {
		logger.Fatalf("Failed to list unfilled schemas: %v", err)
	}
	printSchemaCounts(counts)
}

func handleSchemaTenants(ctx context.Context) {
	fs := flag.NewFlagSet("schema tenants", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	cluster := fs.Int("cluster", 0, "Cluster id")
	pool := fs.Int("pool", 0, "Write pool id (required)")
	schema := fs.String("schema", "", "Schema name (required)")
	parseFlags(fs)
	requireInt(fs, "pool", *pool)
	if *schema == "" {
		fmt.Printf("Error: --schema is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	env := connect(ctx, fs, *configPath)
	defer env.Close()

	tenants, err := env.control.TenantsInSchema(ctx, env.clusterID(fs, *cluster), *pool, *schema)
	if err != nil {
		logger.Fatalf("Failed to list tenants: %v", err)
	}
	for _, id := range tenants {
		fmt.Println(id)
	}
	fmt.Printf("%d tenant(s) in %s\n", len(tenants), *schema)
}

func handleSchemaCreate(ctx context.Context) {
	fs := flag.NewFlagSet("schema create", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	pool := fs.Int("pool", 0, "Write pool id (required)")
	schema := fs.String("schema", "", "Schema name (required)")
	parseFlags(fs)
	requireInt(fs, "pool", *pool)
	if err := db.ValidateSchemaName(*schema); err != nil {
		fmt.Printf("Error: %v\n\n", err)
		fs.Usage()
		os.Exit(1)
	}

	env := connect(ctx, fs, *configPath)
	defer env.Close()

	h, err := env.registry.Checkout(ctx, *pool, false)
	if err != nil {
		logger.Fatalf("Failed to connect to pool %d: %v", *pool, err)
	}
	err = db.TenantSQL{}.CreateTenantSchema(ctx, h, *schema)
	env.registry.Checkin(ctx, h)
	if err != nil {
		logger.Fatalf("Failed to create schema: %v", err)
	}

	if err := env.control.RegisterSchema(ctx, *pool, *schema); err != nil {
		logger.Fatalf("Schema created but not registered: %v", err)
	}
	fmt.Printf("Schema %s created on pool %d\n", *schema, *pool)
}

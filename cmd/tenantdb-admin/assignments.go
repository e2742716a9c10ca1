package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/assignment"
)

func handleAssignmentCommand(ctx context.Context) {
	switch subcommand(printAssignmentUsage) {
	case "get":
		handleAssignmentGet(ctx)
	case "set":
		handleAssignmentSet(ctx)
	case "delete":
		handleAssignmentDelete(ctx)
	case "help", "--help", "-h":
		printAssignmentUsage()
	default:
		fmt.Printf("Unknown assignment subcommand: %s\n\n", os.Args[2])
		printAssignmentUsage()
		os.Exit(1)
	}
}

func printAssignmentUsage() {
	fmt.Printf(`Tenant Assignment Management

Usage:
  tenantdb-admin assignment <subcommand> [options]

Subcommands:
  get      Show the assignment of a tenant
  set      Create or replace the assignment of a tenant
  delete   Delete the assignment of a tenant

Common options:
  --config string   Path to TOML configuration file (default: config.toml)
  --cluster int     Cluster id (default: cluster_id from the configuration)
  --tenant int      Tenant id (required)

Examples:
  tenantdb-admin assignment get --tenant 42
  tenantdb-admin assignment set --tenant 42 --write-pool 10 --read-pool 11 --schema tenants_0001
  tenantdb-admin assignment delete --tenant 42 --cluster 2

When [invalidation] is enabled, set and delete notify running daemons.
`)
}

func handleAssignmentGet(ctx context.Context) {
	fs := flag.NewFlagSet("assignment get", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	cluster := fs.Int("cluster", 0, "Cluster id")
	tenant := fs.Int("tenant", 0, "Tenant id (required)")
	asJSON := fs.Bool("json", false, "Print the assignment as JSON")
	parseFlags(fs)
	requireInt(fs, "tenant", *tenant)

	env := connect(ctx, fs, *configPath)
	defer env.Close()

	clusterID := env.clusterID(fs, *cluster)
	a, err := env.control.LoadAssignment(ctx, clusterID, *tenant)
	if errors.Is(err, consts.ErrAssignmentNotFound) {
		fmt.Printf("Tenant %d has no assignment on cluster %d\n", *tenant, clusterID)
		os.Exit(1)
	}
	if err != nil {
		logger.Fatalf("Failed to load assignment: %v", err)
	}
	printAssignment(a, *asJSON)
}

func printAssignment(a *assignment.Assignment, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(a.Record()); err != nil {
			logger.Fatalf("Failed to encode assignment: %v", err)
		}
		return
	}
	fmt.Printf("Tenant:      %d\n", a.TenantID())
	fmt.Printf("Cluster:     %d\n", a.ClusterID())
	fmt.Printf("Write pool:  %d\n", a.WritePoolID())
	if a.HasReplica() {
		fmt.Printf("Read pool:   %d\n", a.ReadPoolID())
	} else {
		fmt.Printf("Read pool:   none\n")
	}
	fmt.Printf("Schema:      %s\n", a.Schema())
}

func handleAssignmentSet(ctx context.Context) {
	fs := flag.NewFlagSet("assignment set", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	cluster := fs.Int("cluster", 0, "Cluster id")
	tenant := fs.Int("tenant", 0, "Tenant id (required)")
	writePool := fs.Int("write-pool", 0, "Write pool id (required)")
	readPool := fs.Int("read-pool", 0, "Read pool id (default: the write pool, meaning no replica)")
	schema := fs.String("schema", "", "Tenant schema (required)")
	parseFlags(fs)
	requireInt(fs, "tenant", *tenant)
	requireInt(fs, "write-pool", *writePool)
	if *schema == "" {
		fmt.Printf("Error: --schema is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *readPool == 0 {
		*readPool = *writePool
	}

	env := connect(ctx, fs, *configPath)
	defer env.Close()

	clusterID := env.clusterID(fs, *cluster)
	a := assignment.New(*tenant, clusterID, *readPool, *writePool, *schema)
	if err := env.control.WriteAssignment(ctx, a); err != nil {
		logger.Fatalf("Failed to write assignment: %v", err)
	}
	fmt.Printf("Assignment for tenant %d written\n", *tenant)
	printAssignment(a, false)
	env.notify(ctx, clusterID, *tenant)
}

func handleAssignmentDelete(ctx context.Context) {
	fs := flag.NewFlagSet("assignment delete", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	cluster := fs.Int("cluster", 0, "Cluster id")
	tenant := fs.Int("tenant", 0, "Tenant id (required)")
	parseFlags(fs)
	requireInt(fs, "tenant", *tenant)

	env := connect(ctx, fs, *configPath)
	defer env.Close()

	clusterID := env.clusterID(fs, *cluster)
	if err := env.control.DeleteAssignment(ctx, clusterID, *tenant); err != nil {
		logger.Fatalf("Failed to delete assignment: %v", err)
	}
	fmt.Printf("Assignment for tenant %d on cluster %d deleted\n", *tenant, clusterID)
	env.notify(ctx, clusterID, *tenant)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/migadu/tenantdb/db"
	"github.com/migadu/tenantdb/logger"
)

func handlePoolCommand(ctx context.Context) {
	switch subcommand(printPoolUsage) {
	case "list":
		handlePoolList(ctx)
	case "set":
		handlePoolSet(ctx)
	case "delete":
		handlePoolDelete(ctx)
	case "help", "--help", "-h":
		printPoolUsage()
	default:
		fmt.Printf("Unknown pool subcommand: %s\n\n", os.Args[2])
		printPoolUsage()
		os.Exit(1)
	}
}

func printPoolUsage() {
	fmt.Printf(`Tenant Pool Definition Management

Usage:
  tenantdb-admin pool <subcommand> [options]

Subcommands:
  list     List db_pool rows
  set      Create or replace a pool definition
  delete   Delete a pool definition

Running daemons pick up changes on their next reload or tenant refresh.

Examples:
  tenantdb-admin pool list
  tenantdb-admin pool set --id 10 --url postgres://db1:5432/tenants --login app --password secret --max-conns 20 --hard-limit
  tenantdb-admin pool set --id 11 --url postgres://db1-replica:5432/tenants --login app --param application_name=tenantdb
  tenantdb-admin pool delete --id 11
`)
}

func handlePoolList(ctx context.Context) {
	fs := flag.NewFlagSet("pool list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	parseFlags(fs)

	env := connect(ctx, fs, *configPath)
	defer env.Close()

	defs, err := env.control.ListPoolDefinitions(ctx)
	if err != nil {
		logger.Fatalf("Failed to list pool definitions: %v", err)
	}
	if len(defs) == 0 {
		fmt.Println("No pool definitions found.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tURL\tLOGIN\tMAX\tMIN\tHARD LIMIT")
	for _, d := range defs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%v\n", d.ID, d.URL, d.Login, d.MaxConns, d.MinConns, d.HardLimit)
	}
	w.Flush()
}

// paramsFlag collects repeated --param key=value flags.
type paramsFlag map[string]string

func (p paramsFlag) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (p paramsFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	p[k] = v
	return nil
}

func handlePoolSet(ctx context.Context) {
	fs := flag.NewFlagSet("pool set", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int("id", 0, "Pool id (required, positive)")
	url := fs.String("url", "", "Database URL (required)")
	login := fs.String("login", "", "Database user")
	password := fs.String("password", "", "Database password")
	maxConns := fs.Int("max-conns", 0, "Maximum connections (0: pool_defaults)")
	minConns := fs.Int("min-conns", 0, "Minimum idle connections (0: pool_defaults)")
	hardLimit := fs.Bool("hard-limit", false, "Block at max-conns instead of growing past it")
	params := paramsFlag{}
	fs.Var(params, "param", "Runtime parameter key=value, may be repeated")
	parseFlags(fs)

	if *id <= 0 {
		fmt.Printf("Error: --id must be a positive pool id\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *url == "" {
		fmt.Printf("Error: --url is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	env := connect(ctx, fs, *configPath)
	defer env.Close()

	rec := db.PoolRecord{
		ID:        *id,
		URL:       *url,
		Login:     *login,
		Password:  *password,
		Params:    params,
		MaxConns:  *maxConns,
		MinConns:  *minConns,
		HardLimit: *hardLimit,
	}
	if err := env.control.UpsertPoolDefinition(ctx, rec); err != nil {
		logger.Fatalf("Failed to write pool definition: %v", err)
	}
	fmt.Printf("Pool definition %d written\n", *id)
}

func handlePoolDelete(ctx context.Context) {
	fs := flag.NewFlagSet("pool delete", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int("id", 0, "Pool id (required)")
	parseFlags(fs)
	requireInt(fs, "id", *id)

	env := connect(ctx, fs, *configPath)
	defer env.Close()

	if err := env.control.DeletePoolDefinition(ctx, *id); err != nil {
		logger.Fatalf("Failed to delete pool definition: %v", err)
	}
	fmt.Printf("Pool definition %d deleted\n", *id)
}

func handleClusterCommand(ctx context.Context) {
	switch subcommand(printClusterUsage) {
	case "get":
		handleClusterGet(ctx)
	case "set":
		handleClusterSet(ctx)
	case "help", "--help", "-h":
		printClusterUsage()
	default:
		fmt.Printf("Unknown cluster subcommand: %s\n\n", os.Args[2])
		printClusterUsage()
		os.Exit(1)
	}
}

func printClusterUsage() {
	fmt.Printf(`Cluster Defaults Management

Usage:
  tenantdb-admin cluster <subcommand> [options]

Subcommands:
  get   Show the defaults of a cluster
  set   Create or replace the defaults of a cluster

Examples:
  tenantdb-admin cluster get --cluster 1
  tenantdb-admin cluster set --cluster 1 --write-pool 10 --read-pool 11 --max-tenants 500
`)
}

func handleClusterGet(ctx context.Context) {
	fs := flag.NewFlagSet("cluster get", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	cluster := fs.Int("cluster", 0, "Cluster id")
	parseFlags(fs)

	env := connect(ctx, fs, *configPath)
	defer env.Close()

	c, err := env.control.Cluster(ctx, env.clusterID(fs, *cluster))
	if err != nil {
		logger.Fatalf("Failed to load cluster: %v", err)
	}
	fmt.Printf("Cluster:      %d\n", c.ID)
	fmt.Printf("Write pool:   %d\n", c.WritePoolID)
	fmt.Printf("Read pool:    %d\n", c.ReadPoolID)
	fmt.Printf("Max tenants:  %d\n", c.MaxTenants)
}

func handleClusterSet(ctx context.Context) {
	fs := flag.NewFlagSet("cluster set", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	cluster := fs.Int("cluster", 0, "Cluster id")
	writePool := fs.Int("write-pool", 0, "Default write pool id (required)")
	readPool := fs.Int("read-pool", 0, "Default read pool id (default: the write pool)")
	maxTenants := fs.Int("max-tenants", 0, "Tenants per schema (required)")
	parseFlags(fs)
	requireInt(fs, "write-pool", *writePool)
	requireInt(fs, "max-tenants", *maxTenants)
	if *readPool == 0 {
		*readPool = *writePool
	}

	env := connect(ctx, fs, *configPath)
	defer env.Close()

	rec := db.ClusterRecord{
		ID:          env.clusterID(fs, *cluster),
		ReadPoolID:  *readPool,
		WritePoolID: *writePool,
		MaxTenants:  *maxTenants,
	}
	if err := env.control.UpsertCluster(ctx, rec); err != nil {
		logger.Fatalf("Failed to write cluster: %v", err)
	}
	fmt.Printf("Cluster %d written\n", rec.ID)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/tenantdb/config"
	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/db"
	"github.com/migadu/tenantdb/logger"
	"github.com/migadu/tenantdb/pkg/dbconn"
	"github.com/migadu/tenantdb/pkg/invalidation"
	"github.com/migadu/tenantdb/pkg/registry"
	"github.com/migadu/tenantdb/pkg/reload"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "migrate":
		handleMigrateCommand(ctx)
	case "assignment":
		handleAssignmentCommand(ctx)
	case "schema":
		handleSchemaCommand(ctx)
	case "pool":
		handlePoolCommand(ctx)
	case "cluster":
		handleClusterCommand(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`tenantdb Admin Tool

Usage:
  tenantdb-admin <command> <subcommand> [options]

Commands:
  migrate     Manage the control database schema (up, down, version, force)
  assignment  Show, set or delete tenant assignments
  schema      Inspect tenant schemas and bootstrap new ones
  pool        Manage tenant pool definitions (db_pool)
  cluster     Show or set cluster defaults (db_cluster)
  help        Show this help message

Examples:
  tenantdb-admin migrate up --config /etc/tenantdb/config.toml
  tenantdb-admin assignment get --tenant 42
  tenantdb-admin assignment set --tenant 42 --write-pool 10 --read-pool 11 --schema tenants_0001
  tenantdb-admin schema unfilled --pool 10 --max 500
  tenantdb-admin pool set --id 10 --url postgres://db1:5432/tenants --login app --max-conns 20

Use 'tenantdb-admin <command> help' for more information about a command.
`)
}

// subcommand returns os.Args[2], printing usage and exiting when it is missing.
func subcommand(usage func()) string {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}
	return os.Args[2]
}

func parseFlags(fs *flag.FlagSet) {
	if err := fs.Parse(os.Args[3:]); err != nil {
		logger.Fatalf("Error parsing flags: %v", err)
	}
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	isSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}

func requireInt(fs *flag.FlagSet, name string, v int) {
	if v == 0 {
		fmt.Printf("Error: --%s is required\n\n", name)
		fs.Usage()
		os.Exit(1)
	}
}

// loadConfig reads the daemon configuration. A missing default file falls
// back to built-in defaults; an explicitly named file must exist.
func loadConfig(fs *flag.FlagSet, path string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) && !isFlagSet(fs, "config") {
			logger.Warnf("Default configuration file '%s' not found, using defaults", path)
		} else {
			logger.Fatalf("Failed to load configuration file '%s': %v", path, err)
		}
	}
	if cfg.ControlDB.Write == nil || cfg.ControlDB.Write.URL == "" {
		logger.Fatalf("Configuration has no [control_db.write] endpoint")
	}
	return cfg
}

// adminEnv is a short-lived view of the control plane: the control pools
// plus tenant pools resolved from db_pool on demand.
type adminEnv struct {
	cfg       config.Config
	lifecycle *dbconn.Lifecycle
	registry  *registry.Registry
	control   *db.Database
}

func connect(ctx context.Context, fs *flag.FlagSet, configPath string) *adminEnv {
	cfg := loadConfig(fs, configPath)

	connectTimeout, err := cfg.PoolDefaults.GetConnectTimeout()
	if err != nil {
		logger.Fatalf("Invalid pool_defaults.connect_timeout: %v", err)
	}
	lifecycle := dbconn.NewLifecycle(dbconn.Options{
		ConnectTimeout: connectTimeout,
		LogQueries:     cfg.PoolDefaults.QueryLog,
	})
	builder := registry.Builder{Lifecycle: lifecycle}

	controlDefs, err := reload.ControlDefinitions(&cfg)
	if err != nil {
		logger.Fatalf("Invalid control database configuration: %v", err)
	}
	queryTimeout, _ := cfg.ControlDB.GetQueryTimeout()

	reg := registry.New(registry.Options{})
	control := db.NewDatabase(reg, db.Options{
		ReadPool:     cfg.ControlDB.Read != nil,
		QueryTimeout: queryTimeout,
	})
	reg.AddFactory(registry.NewStaticFactory(registry.ControlPlane, builder, controlDefs))
	reg.AddFactory(registry.NewLookupFactory(reload.NewDefinitionSource(control, cfg.PoolDefaults), builder))

	preload := []int{consts.ControlWritePoolID}
	if cfg.ControlDB.Read != nil {
		preload = append(preload, consts.ControlReadPoolID)
	}
	if err := reg.Preload(ctx, preload...); err != nil {
		logger.Fatalf("Failed to connect to control database: %v", err)
	}
	return &adminEnv{cfg: cfg, lifecycle: lifecycle, registry: reg, control: control}
}

func (e *adminEnv) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.registry.Close(ctx)
}

// clusterID returns the flag value when set, the configured cluster otherwise.
func (e *adminEnv) clusterID(fs *flag.FlagSet, flagValue int) int {
	if isFlagSet(fs, "cluster") {
		return flagValue
	}
	return e.cfg.ClusterID
}

// notify tells running daemons to drop cached assignments. Failures are
// reported but do not undo the write.
func (e *adminEnv) notify(ctx context.Context, clusterID int, tenantIDs ...int) {
	if !e.cfg.Invalidation.Enabled {
		return
	}
	bus, err := invalidation.Connect(e.cfg.Invalidation.NATSURL, invalidation.Options{
		Subject:  e.cfg.Invalidation.GetSubject(),
		ServerID: "tenantdb-admin",
	})
	if err != nil {
		logger.Warnf("Could not connect to invalidation bus, running daemons keep cached assignments until TTL: %v", err)
		return
	}
	defer bus.Close()
	if err := bus.PublishInvalidation(ctx, clusterID, tenantIDs); err != nil {
		logger.Warnf("Failed to publish invalidation: %v", err)
		return
	}
	fmt.Printf("Published invalidation for %d tenant(s) on cluster %d\n", len(tenantIDs), clusterID)
}

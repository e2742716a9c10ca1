package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/tenantdb/config"
	"github.com/migadu/tenantdb/logger"
	tenanterrors "github.com/migadu/tenantdb/pkg/errors"
	"github.com/migadu/tenantdb/server/adminapi"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := tenanterrors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tenantdb version %s, commit: %s, built: %s\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenantdb: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "tenantdb: error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("tenantdb starting", "component", "DAEMON", "version", version, "commit", commit, "built", date,
		"cluster_id", cfg.ClusterID, "log_format", cfg.Logging.Format, "log_level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := initializeServices(ctx, &cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer deps.close()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range signalChan {
			if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration", "component", "DAEMON", "path", *configPath)
				if err := deps.coordinator.LoadAndApply(ctx, *configPath); err != nil {
					logger.Error("Configuration reload failed", "component", "DAEMON", "error", err)
				}
				continue
			}
			logger.Info("Received signal, shutting down", "component", "DAEMON", "signal", sig)
			cancel()
			return
		}
	}()

	var servers sync.WaitGroup
	errChan := startServers(ctx, &cfg, deps, *configPath, &servers)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		done := make(chan struct{})
		go func() {
			servers.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("All servers stopped", "component", "DAEMON")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds", "component", "DAEMON")
		}
	case err := <-errChan:
		cancel()
		errorHandler.FatalError("server operation", err)
		deps.close()
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig exits the process when the configuration cannot be used.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *tenanterrors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) && configPath == "config.toml" {
			logger.Warn("Default configuration file not found, using application defaults", "component", "DAEMON", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "component", "DAEMON", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

func startServers(ctx context.Context, cfg *config.Config, deps *services, configPath string, servers *sync.WaitGroup) chan error {
	errChan := make(chan error, 4)

	if cfg.Reload.Watch {
		if err := deps.coordinator.Watch(ctx, configPath); err != nil {
			logger.Warn("Configuration watch disabled", "component", "DAEMON", "path", configPath, "error", err)
		}
	}
	deps.coordinator.StartTenantRefresh(ctx)

	if cfg.Metrics.Enabled {
		servers.Add(1)
		go func() {
			defer servers.Done()
			startMetricsServer(ctx, cfg.Metrics, errChan)
		}()
	}

	if cfg.AdminAPI.Start {
		opts := adminapi.ServerOptions{
			Addr:         cfg.AdminAPI.Addr,
			APIKey:       cfg.AdminAPI.APIKey,
			AllowedHosts: cfg.AdminAPI.AllowedHosts,
			Control:      deps.control,
			Reloader:     deps.coordinator,
			TLS:          cfg.AdminAPI.TLS,
			TLSCertFile:  cfg.AdminAPI.TLSCertFile,
			TLSKeyFile:   cfg.AdminAPI.TLSKeyFile,
		}
		if deps.health != nil {
			opts.Health = deps.health.Monitor()
		}
		servers.Add(1)
		go func() {
			defer servers.Done()
			adminapi.Start(ctx, deps.service, opts, errChan)
		}()
	}

	return errChan
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "component", "DAEMON", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "component", "DAEMON", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

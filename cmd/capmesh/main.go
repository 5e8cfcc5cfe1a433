// Package main is the entry point for the capmesh daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/capmesh/capmesh/internal/audit"
	"github.com/capmesh/capmesh/internal/config"
	"github.com/capmesh/capmesh/internal/connmgr"
	"github.com/capmesh/capmesh/internal/enforcer"
	"github.com/capmesh/capmesh/internal/observability"
	"github.com/capmesh/capmesh/internal/registry"
	"github.com/capmesh/capmesh/internal/routing"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	run(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("CAPMESH_CONFIG_PATH", "configs/capmesh.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("CAPMESH_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("CAPMESH_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("capmesh version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting capmesh",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := config.Validate(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.Int("backends", len(cfg.Backends)),
		observability.Int("routing_rules", len(cfg.Routing)),
		observability.Int("allocations", len(cfg.Allocations)),
	)
	return cfg
}

// application bundles the wired components.
type application struct {
	cfg      *config.Config
	tracer   *observability.Tracer
	audit    *audit.Logger
	enforcer *enforcer.Enforcer
	manager  *connmgr.Manager
	table    *routing.Table
	registry *registry.Registry
}

// initApplication wires the components: audit first so the enforcer
// can record into it, then the connection manager, routing table, and
// registry over the same backend set.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	tracer := observability.NopTracer()
	if cfg.Tracing.Enabled {
		t, err := observability.NewTracer(observability.TracerConfig{
			ServiceName:  cfg.Tracing.ServiceName,
			OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
			SamplingRate: cfg.Tracing.SamplingRate,
			Enabled:      true,
		})
		if err != nil {
			logger.Fatal("failed to initialize tracing", observability.Error(err))
		}
		tracer = t
	}

	var auditLogger *audit.Logger
	enforcerOpts := []enforcer.EnforcerOption{
		enforcer.WithEnforcerLogger(logger),
		enforcer.WithEnforcerTracer(tracer),
	}
	if cfg.Audit.Enabled {
		al, err := audit.New(audit.Config{
			MaxEntries: cfg.Audit.MaxEntries,
			Output:     cfg.Audit.Output,
		}, audit.WithLogger(logger))
		if err != nil {
			logger.Fatal("failed to initialize audit trail", observability.Error(err))
		}
		auditLogger = al
		enforcerOpts = append(enforcerOpts, enforcer.WithAuditLogger(al))
	}

	enf, err := enforcer.New(cfg.Enforcer, enforcerOpts...)
	if err != nil {
		logger.Fatal("failed to initialize enforcer", observability.Error(err))
	}

	manager, err := connmgr.NewManager(cfg.Backends,
		connmgr.WithManagerLogger(logger),
		connmgr.WithManagerTracer(tracer),
	)
	if err != nil {
		logger.Fatal("failed to initialize connection manager", observability.Error(err))
	}

	table, err := routing.NewTable(cfg.Routing, cfg.Backends,
		routing.WithTableLogger(logger))
	if err != nil {
		logger.Fatal("failed to initialize routing table", observability.Error(err))
	}

	reg, err := registry.New(cfg.Registry, cfg.Backends, cfg.Allocations, cfg.Partitions,
		registry.WithRegistryLogger(logger))
	if err != nil {
		logger.Fatal("failed to initialize registry", observability.Error(err))
	}

	return &application{
		cfg:      cfg,
		tracer:   tracer,
		audit:    auditLogger,
		enforcer: enf,
		manager:  manager,
		table:    table,
		registry: reg,
	}
}

// run starts the loops and blocks until a shutdown signal arrives.
func run(app *application, configPath string, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.manager.Start(ctx)
	app.table.Start(ctx)

	watcher, err := config.NewWatcher(configPath, func(path string) {
		logger.Warn("configuration drift detected",
			observability.String("path", path),
		)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("config watcher unavailable", observability.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", observability.Error(err))
		watcher = nil
	}

	logger.Info("capmesh started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutting down", observability.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if watcher != nil {
		_ = watcher.Stop()
	}
	app.table.Stop()
	app.manager.Shutdown(shutdownCtx)
	if app.audit != nil {
		_ = app.audit.Close()
	}
	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", observability.Error(err))
	}

	logger.Info("capmesh stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

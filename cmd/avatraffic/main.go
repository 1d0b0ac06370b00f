// Package main is the entry point of the avatraffic control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
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

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg, flags)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avatraffic",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Int("tenants", len(cfg.Tenants.Profiles)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", observability.Error(err))
	}

	if err := app.run(ctx); err != nil {
		logger.Error("supervisor exited with error", observability.Error(err))
	}
	app.close()
	logger.Info("avatraffic stopped")
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault(envConfigPath, "configs/avatraffic.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", os.Getenv(envLogLevel),
		"Log level (debug, info, warn, error); overrides the file")
	logFormat := flag.String("log-format", os.Getenv(envLogFormat),
		"Log format (json, console); overrides the file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("avatraffic version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// loadConfig loads the file, applies environment overrides and validates.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogger builds the logger from the file settings and flag overrides.
func initLogger(cfg *config.Config, flags cliFlags) observability.Logger {
	logCfg := observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}

	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

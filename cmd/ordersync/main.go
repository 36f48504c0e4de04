// Command ordersync runs the venue order-lifecycle connector.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coachpo/ordersync/config"
	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/connector"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/lib/telemetry"
)

const (
	defaultConfigPath        = "config/ordersync.example.yaml"
	meterName                = "github.com/coachpo/ordersync"
	telemetryShutdownTimeout = 5 * time.Second
	exitConfig               = 2
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type flags struct {
	configPath string
	envFile    string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f, err := parseFlags(args)
	if err != nil {
		return exitConfig
	}
	if err := loadEnvFile(f.envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		return exitConfig
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitConfig
	}

	logger := observability.NewLogrusLogger(observability.LogrusOptions{
		Level:      cfg.Logging.Level,
		Component:  "ordersync",
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	observability.SetLogger(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	providers, shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		Telemetry:   cfg.Telemetry,
		Environment: string(cfg.Environment),
		Venue:       cfg.Venue.Name,
		Version:     version,
	})
	if err != nil {
		logger.Error("initialise telemetry", observability.Err(err))
		return 1
	}
	if providers.Exporting {
		logger.Info("telemetry initialised", observability.F("endpoint", cfg.Telemetry.OTLPEndpoint))
	} else {
		logger.Info("telemetry disabled")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", observability.Err(err))
		}
	}()

	conn, err := connector.New(connector.Options{
		Settings: cfg,
		Logger:   logger,
		Meter:    providers.Meter(meterName),
	})
	if err != nil {
		logger.Error("initialise connector", observability.Err(err))
		if errs.Is(err, errs.CanonicalFatalConfig) {
			return exitConfig
		}
		return 1
	}

	logger.Info("ordersync starting",
		observability.F("environment", string(cfg.Environment)),
		observability.F("venue", cfg.Venue.Name),
		observability.F("version", version))
	start := time.Now()
	if err := conn.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("connector stopped", observability.Err(err))
		return 1
	}
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(start).String()))
	return 0
}

func parseFlags(args []string) (flags, error) {
	fs := flag.NewFlagSet("ordersync", flag.ContinueOnError)
	var f flags
	fs.StringVar(&f.configPath, "config", "", fmt.Sprintf("Path to the configuration file (example: %s)", defaultConfigPath))
	fs.StringVar(&f.envFile, "env-file", "", "Optional dotenv file loaded before configuration")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

// loadEnvFile loads path, or .env when present. Variables already set win.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	return godotenv.Load(path)
}

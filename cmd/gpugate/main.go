package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/example/gpugate/internal/config"
	"github.com/example/gpugate/internal/gateway"
	"github.com/example/gpugate/internal/logging"
	"github.com/example/gpugate/internal/metrics"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (environment variables are used when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gpugate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.NewLoader().Load(*configPath)
	} else {
		cfg, err = config.FromEnv(context.Background())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting gpugate",
		zap.String("version", version),
		zap.String("upstream", cfg.Upstream.BaseURL),
		zap.String("model", cfg.Upstream.Model),
		zap.Int("max_active", cfg.Admission.MaxActive),
		zap.String("mode", cfg.Admission.Mode),
		zap.Int("queue_max", cfg.Admission.QueueMax),
	)

	server := gateway.NewServer(cfg, metrics.NewRegistry(), logger)
	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}

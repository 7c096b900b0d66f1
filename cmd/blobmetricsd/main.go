package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dray-io/blobmetrics/internal/config"
	"github.com/dray-io/blobmetrics/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("blobmetricsd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "admin":
		runAdmin(os.Args[2:])
	case "version":
		fmt.Printf("blobmetricsd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: blobmetricsd <command> [options]

Commands:
  serve       Run blob stores with metrics, the admin API and /metrics
  admin       Inspect and reset persisted blob store metrics
  version     Print version information

Run 'blobmetricsd <command> --help' for more information on a command.`)
}

// loadConfig reads path, or BLOBMETRICS_CONFIG when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override admin and health listen address (e.g., :8081)")
	metricsAddr := fs.String("metrics-addr", "", "Override Prometheus listen address (e.g., :9090)")
	writer := fs.String("writer", "", "Prefix for the writer ID used in flush tokens")

	fs.Usage = func() {
		fmt.Println(`Usage: blobmetricsd serve [options]

Start the blob metrics daemon.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *writer != "" {
		cfg.Metrics.Writer = *writer
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	daemon, err := NewDaemon(DaemonOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
	})
	if err != nil {
		logger.Errorf("failed to create daemon", map[string]any{logging.FieldError: err})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Start(ctx); err != nil {
		logger.Errorf("failed to start daemon", map[string]any{logging.FieldError: err})
		shutdown(daemon, cfg, logger)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")
	if !shutdown(daemon, cfg, logger) {
		os.Exit(1)
	}
}

func shutdown(daemon *Daemon, cfg *config.Config, logger *logging.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := daemon.Shutdown(ctx); err != nil {
		logger.Errorf("shutdown error", map[string]any{logging.FieldError: err})
		return false
	}
	return true
}

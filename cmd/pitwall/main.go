// Command pitwall runs the coordination-layer processes: agent workers,
// the task dispatcher, the result arbiter, and the approval timeout
// monitor, all communicating only through the shared broker.
//
// Usage:
//
//	pitwall worker --broker localhost:6379 --types strategy --tracks "*"
//	pitwall dispatch --task-id t1 --type strategy --track cota
//	pitwall aggregator
//	pitwall monitor
//	pitwall health
//	pitwall version
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitwall-ai/pitwall/broker"
	"github.com/pitwall-ai/pitwall/config"
	"github.com/pitwall-ai/pitwall/internal/metrics"
	"github.com/pitwall-ai/pitwall/internal/telemetry"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "worker":
		runWorker(os.Args[2:])
	case "dispatch":
		runDispatch(os.Args[2:])
	case "aggregator":
		runAggregator(os.Args[2:])
	case "monitor":
		runMonitor(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// setup performs the startup sequence shared by every long-running
// subcommand: config, logger, telemetry, broker connection, metrics.
// Configuration failure is fatal here and only here.
func setup(configPath string) (*config.Config, *zap.Logger, *broker.Client, *metrics.Collector, func()) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	client, err := broker.Connect(cfg.Broker)
	if err != nil {
		logger.Error("broker connection failed", zap.Error(err))
		os.Exit(1)
	}

	var collector *metrics.Collector
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(cfg.Metrics.Namespace, reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsSrv != nil {
			metricsSrv.Shutdown(shutdownCtx)
		}
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
		client.Close()
		logger.Sync()
	}
	return cfg, logger, client, collector, cleanup
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, the
// graceful-shutdown path with exit code 0.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func printVersion() {
	fmt.Printf("pitwall %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`pitwall - race-strategy agent coordination

Usage:
  pitwall worker      Run one agent worker process
  pitwall dispatch    Route a task to an eligible agent
  pitwall aggregator  Run the result arbiter
  pitwall monitor     Run the approval timeout monitor
  pitwall health      Check broker connectivity
  pitwall version     Show version information

Run 'pitwall <command> -h' for command flags.`)
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/pitwall-ai/pitwall/aggregate"
	"github.com/pitwall-ai/pitwall/approval"
	"github.com/pitwall-ai/pitwall/broker"
	"github.com/pitwall-ai/pitwall/config"
	"github.com/pitwall-ai/pitwall/dispatch"
	"github.com/pitwall-ai/pitwall/registry"
	"github.com/pitwall-ai/pitwall/types"
)

// runDispatch routes one task from the command line, the producer-side
// entry point for testing and operator intervention.
func runDispatch(args []string) {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	brokerAddr := fs.String("broker", "", "Broker address (overrides config)")
	taskID := fs.String("task-id", "", "Task id (generated if absent)")
	taskType := fs.String("type", string(types.TaskTypeStrategy), "Task type")
	track := fs.String("track", "", "Track affinity")
	priority := fs.Int("priority", 0, "Task priority")
	payload := fs.String("payload", "", "Inline JSON payload")
	fs.Parse(args)

	cfg, logger, client, collector, cleanup := setupWithOverrides(*configPath, *brokerAddr)
	defer cleanup()

	parsed, err := types.ParseTaskType(*taskType)
	if err != nil {
		logger.Error("invalid task type", zap.Error(err))
		cleanup()
		os.Exit(1)
	}

	task := types.Task{
		TaskID:    *taskID,
		Type:      parsed,
		Priority:  *priority,
		Track:     *track,
		CreatedAt: time.Now(),
	}
	if task.TaskID == "" {
		task.TaskID = fmt.Sprintf("task-%d", time.Now().UnixNano())
	}
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			logger.Error("payload is not valid JSON")
			cleanup()
			os.Exit(1)
		}
		task.Payload = json.RawMessage(*payload)
	}

	reg := registry.New(client, cfg.Registry, logger)
	d := dispatch.New(client, reg, cfg.Dispatcher, logger, collector)

	ctx, stop := signalContext()
	defer stop()

	if err := d.Route(ctx, task); err != nil {
		logger.Error("routing failed", zap.String("task_id", task.TaskID), zap.Error(err))
		cleanup()
		os.Exit(1)
	}
	fmt.Println(task.TaskID)
}

// runAggregator runs the result arbiter with the approval store as its
// gated-decision sink.
func runAggregator(args []string) {
	fs := flag.NewFlagSet("aggregator", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	brokerAddr := fs.String("broker", "", "Broker address (overrides config)")
	fs.Parse(args)

	cfg, logger, client, collector, cleanup := setupWithOverrides(*configPath, *brokerAddr)
	defer cleanup()

	store := approval.NewStore(client, cfg.Approval, logger, collector)
	arbiter := aggregate.New(client, cfg.Aggregator, store, logger, collector)

	ctx, stop := signalContext()
	defer stop()

	if err := arbiter.Run(ctx); err != nil {
		logger.Error("arbiter terminated", zap.Error(err))
		cleanup()
		os.Exit(1)
	}
	logger.Info("arbiter stopped")
}

// runMonitor runs the approval timeout monitor. Multiple instances are
// safe: resolution is idempotent in the store.
func runMonitor(args []string) {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	brokerAddr := fs.String("broker", "", "Broker address (overrides config)")
	fs.Parse(args)

	cfg, logger, client, collector, cleanup := setupWithOverrides(*configPath, *brokerAddr)
	defer cleanup()

	store := approval.NewStore(client, cfg.Approval, logger, collector)
	monitor := approval.NewMonitor(store, cfg.Monitor, logger)

	ctx, stop := signalContext()
	defer stop()

	if err := monitor.Run(ctx); err != nil {
		logger.Error("monitor terminated", zap.Error(err))
		cleanup()
		os.Exit(1)
	}
	logger.Info("monitor stopped")
}

// runHealth pings the broker and exits by its verdict.
func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	brokerAddr := fs.String("broker", "", "Broker address (overrides config)")
	fs.Parse(args)

	if *brokerAddr != "" {
		os.Setenv("PITWALL_BROKER_ADDR", *brokerAddr)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	client, err := broker.Connect(cfg.Broker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	fmt.Println("OK")
}

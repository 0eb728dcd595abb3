package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/pitwall-ai/pitwall/broker"
	"github.com/pitwall-ai/pitwall/config"
	"github.com/pitwall-ai/pitwall/internal/metrics"
	"github.com/pitwall-ai/pitwall/lock"
	"github.com/pitwall-ai/pitwall/registry"
	"github.com/pitwall-ai/pitwall/types"
	"github.com/pitwall-ai/pitwall/worker"
)

// runWorker starts one agent worker process. It exits 0 on a graceful
// interrupt and non-zero when the broker fails past the consecutive
// failure threshold.
func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	agentID := fs.String("agent-id", "", "Agent identity (generated if absent)")
	brokerAddr := fs.String("broker", "", "Broker address (overrides config)")
	taskTypes := fs.String("types", "", "Comma-separated task types to handle")
	tracks := fs.String("tracks", "", "Comma-separated track affinities ('*' for all)")
	capacity := fs.Int("capacity", 0, "Max concurrent tasks (overrides config)")
	fs.Parse(args)

	cfg, logger, client, collector, cleanup := setupWithOverrides(*configPath, *brokerAddr)
	defer cleanup()

	if *agentID != "" {
		cfg.Worker.AgentID = *agentID
	}
	if *tracks != "" {
		cfg.Worker.Tracks = splitList(*tracks)
	}
	if *capacity > 0 {
		cfg.Worker.Capacity = *capacity
	}

	reg := registry.New(client, cfg.Registry, logger)
	locks := lock.NewManager(client, logger)
	w := worker.New(client, reg, locks, cfg.Worker, logger, collector)

	declaredTypes := splitList(*taskTypes)
	if len(declaredTypes) == 0 {
		declaredTypes = []string{string(types.TaskTypeStrategy)}
	}
	for _, raw := range declaredTypes {
		taskType, err := types.ParseTaskType(raw)
		if err != nil {
			logger.Error("invalid task type", zap.String("type", raw), zap.Error(err))
			os.Exit(1)
		}
		// The analysis payload handlers live outside the coordination
		// layer and plug in here. The default handler passes the task
		// payload through unchanged so the pipeline can run end to end
		// without them.
		if err := w.RegisterHandler(taskType, passthroughHandler(taskType)); err != nil {
			logger.Error("handler registration failed", zap.Error(err))
			os.Exit(1)
		}
	}

	ctx, stop := signalContext()
	defer stop()

	logger.Info("worker starting",
		zap.String("agent_id", w.AgentID()),
		zap.Strings("types", declaredTypes),
		zap.Strings("tracks", cfg.Worker.Tracks),
		zap.Int("capacity", cfg.Worker.Capacity),
	)
	if err := w.Run(ctx); err != nil {
		logger.Error("worker terminated", zap.Error(err))
		cleanup()
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

// setupWithOverrides applies the --broker flag on top of the loaded config
// before connecting. The flag rides the env-override path so precedence
// stays in one place.
func setupWithOverrides(configPath, brokerAddr string) (*config.Config, *zap.Logger, *broker.Client, *metrics.Collector, func()) {
	if brokerAddr != "" {
		os.Setenv("PITWALL_BROKER_ADDR", brokerAddr)
	}
	return setup(configPath)
}

func passthroughHandler(taskType types.TaskType) worker.HandlerFunc {
	return func(ctx context.Context, task types.Task) (json.RawMessage, error) {
		if len(task.Payload) == 0 {
			return json.RawMessage(fmt.Sprintf(`{"action":"noop","task_type":%q}`, taskType)), nil
		}
		return task.Payload, nil
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

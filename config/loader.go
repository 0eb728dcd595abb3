package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitwall-ai/pitwall/types"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "PITWALL_"

// Load builds the configuration in priority order: defaults, then the YAML
// file at path (skipped when path is empty), then environment overrides.
// The result is validated; a validation failure is fatal to the caller.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, types.NewError(types.ErrConfiguration,
				"read config file "+path).WithCause(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, types.NewError(types.ErrConfiguration,
				"parse config file "+path).WithCause(err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the settings that operators most commonly set per
// deployment. File-only settings stay file-only.
func applyEnv(cfg *Config) {
	envString(&cfg.Broker.Addr, "BROKER_ADDR")
	envString(&cfg.Broker.Password, "BROKER_PASSWORD")
	envInt(&cfg.Broker.DB, "BROKER_DB")
	envString(&cfg.Broker.KeyPrefix, "BROKER_KEY_PREFIX")

	envString(&cfg.Worker.AgentID, "AGENT_ID")
	envStrings(&cfg.Worker.Tracks, "TRACKS")
	envInt(&cfg.Worker.Capacity, "CAPACITY")
	envDuration(&cfg.Worker.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	envDuration(&cfg.Worker.LockTTL, "LOCK_TTL")

	envDuration(&cfg.Registry.LivenessWindow, "LIVENESS_WINDOW")
	envDuration(&cfg.Approval.TTL, "APPROVAL_TTL")
	envString((*string)(&cfg.Approval.DefaultPolicy), "APPROVAL_TIMEOUT_POLICY")
	envDuration(&cfg.Monitor.Interval, "MONITOR_INTERVAL")

	envString(&cfg.Log.Level, "LOG_LEVEL")
	envString(&cfg.Log.Format, "LOG_FORMAT")
	envString(&cfg.Metrics.Addr, "METRICS_ADDR")
	envBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	envBool(&cfg.Telemetry.Enabled, "TELEMETRY_ENABLED")
	envString(&cfg.Telemetry.OTLPEndpoint, "OTLP_ENDPOINT")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func envStrings(dst *[]string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

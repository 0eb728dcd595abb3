// Package config loads the coordination-layer configuration: defaults,
// then an optional YAML file, then environment-variable overrides.
// Validation failures are fatal at startup and never recoverable mid-run.
package config

import (
	"github.com/pitwall-ai/pitwall/aggregate"
	"github.com/pitwall-ai/pitwall/approval"
	"github.com/pitwall-ai/pitwall/broker"
	"github.com/pitwall-ai/pitwall/dispatch"
	"github.com/pitwall-ai/pitwall/registry"
	"github.com/pitwall-ai/pitwall/types"
	"github.com/pitwall-ai/pitwall/worker"
)

// Config is the complete process configuration. Each section is owned by
// the component it configures.
type Config struct {
	Broker     broker.Config          `yaml:"broker"`
	Registry   registry.Config        `yaml:"registry"`
	Dispatcher dispatch.Config        `yaml:"dispatcher"`
	Worker     worker.Config          `yaml:"worker"`
	Aggregator aggregate.Config       `yaml:"aggregator"`
	Approval   approval.StoreConfig   `yaml:"approval"`
	Monitor    approval.MonitorConfig `yaml:"monitor"`
	Log        LogConfig              `yaml:"log"`
	Metrics    MetricsConfig          `yaml:"metrics"`
	Telemetry  TelemetryConfig        `yaml:"telemetry"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Broker: broker.Config{
			Addr:      "localhost:6379",
			KeyPrefix: "pitwall:",
			PoolSize:  10,
		},
		Registry:   registry.DefaultConfig(),
		Dispatcher: dispatch.DefaultConfig(),
		Worker:     worker.DefaultConfig(),
		Aggregator: aggregate.DefaultConfig(),
		Approval:   approval.DefaultStoreConfig(),
		Monitor:    approval.DefaultMonitorConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Addr:      ":9100",
			Namespace: "pitwall",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "pitwall",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return types.NewError(types.ErrConfiguration,
			"log level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return types.NewError(types.ErrConfiguration,
			"log format must be json or console")
	}
	if c.Monitor.Interval > c.Approval.TTL {
		return types.NewError(types.ErrConfiguration,
			"monitor interval must not exceed approval ttl")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return types.NewError(types.ErrConfiguration,
			"telemetry requires an otlp endpoint when enabled")
	}
	return nil
}

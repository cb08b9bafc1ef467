// Package config loads and validates the compute core's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensyria/opensy-cpucore/engine"
)

// Config is the full configuration tree for a compute core deployment.
type Config struct {
	Engine      EngineConfig             `yaml:"engine"`
	Affinity    engine.AffinityConfig    `yaml:"affinity"`
	Temperature engine.TemperatureConfig `yaml:"temperature"`
	Logging     LoggingConfig            `yaml:"logging"`
	Metrics     MetricsConfig            `yaml:"metrics"`
	Dashboard   DashboardConfig          `yaml:"dashboard"`
}

// EngineConfig tunes the core and its device fleet.
type EngineConfig struct {
	Name          string        `yaml:"name"`
	DeviceCount   int           `yaml:"device_count"`
	MinHashrate   float64       `yaml:"min_hashrate"`
	MaxHashrate   float64       `yaml:"max_hashrate"`
	ErrorRate     float64       `yaml:"error_rate"`
	BatchSize     int           `yaml:"batch_size"`
	QueueCapacity int           `yaml:"queue_capacity"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	PushResults   bool          `yaml:"push_results"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DashboardConfig controls the HTTP/WebSocket status dashboard.
type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// Default returns a configuration suitable for local runs.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Name:          "cpu-core",
			DeviceCount:   4,
			MinHashrate:   500_000,
			MaxHashrate:   2_000_000,
			BatchSize:     1000,
			QueueCapacity: 64,
			FlushInterval: 100 * time.Millisecond,
			PushResults:   true,
		},
		Affinity: engine.AffinityConfig{
			Enabled:  true,
			Strategy: "round_robin",
		},
		Temperature: engine.DefaultTemperatureConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9095",
		},
		Dashboard: DashboardConfig{
			Enabled:        false,
			ListenAddr:     ":8085",
			UpdateInterval: 2 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	core := c.CoreConfig(nil)
	if err := core.Validate(); err != nil {
		return err
	}
	if _, err := engine.ParseStrategy(c.Affinity.Strategy); err != nil {
		return err
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", engine.ErrConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", engine.ErrConfig, c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("%w: metrics enabled without listen_addr", engine.ErrConfig)
	}
	if c.Dashboard.Enabled && c.Dashboard.ListenAddr == "" {
		return fmt.Errorf("%w: dashboard enabled without listen_addr", engine.ErrConfig)
	}
	return nil
}

// CoreConfig converts the tree into the engine's core configuration.
func (c *Config) CoreConfig(logger *slog.Logger) engine.CoreConfig {
	return engine.CoreConfig{
		Name:          c.Engine.Name,
		DeviceCount:   c.Engine.DeviceCount,
		MinHashrate:   c.Engine.MinHashrate,
		MaxHashrate:   c.Engine.MaxHashrate,
		ErrorRate:     c.Engine.ErrorRate,
		BatchSize:     c.Engine.BatchSize,
		QueueCapacity: c.Engine.QueueCapacity,
		FlushInterval: c.Engine.FlushInterval,
		PushResults:   c.Engine.PushResults,
		Affinity:      c.Affinity,
		Temperature:   c.Temperature,
		Logger:        logger,
	}
}

// SlogLevel maps the configured level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

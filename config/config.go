// Package config provides configuration loading and validation for the
// datasources plugin.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Config represents the complete plugin configuration
type Config struct {
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Engine  EngineConfig  `json:"engine" yaml:"engine"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty" yaml:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	Bucket        string        `json:"bucket,omitempty" yaml:"bucket,omitempty"`
}

// MetricsConfig defines the metrics HTTP endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`   // debug, info, warn, error
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // text, json
}

// EngineConfig defines update engine settings
type EngineConfig struct {
	// MaxParallel bounds the number of node queries in flight per update run
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	// DefaultUpdateTimeout is a fallback update timeout. Validate requires
	// it to be positive; the engine does not read it, every source runs with
	// its own descriptor timeout.
	DefaultUpdateTimeout time.Duration `json:"default_update_timeout,omitempty" yaml:"default_update_timeout,omitempty"`
	// MinPeriod is a lower bound for schedule periods. Validate rejects a
	// negative value; descriptor schedules are not compared against it.
	MinPeriod time.Duration `json:"min_period,omitempty" yaml:"min_period,omitempty"`
	// StartStagger spaces out scheduled sources at boot
	StartStagger time.Duration `json:"start_stagger,omitempty" yaml:"start_stagger,omitempty"`
}

// DefaultConfig returns the configuration used when no file is provided
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Bucket:        "datasources",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			MaxParallel:          50,
			DefaultUpdateTimeout: 5 * time.Minute,
			MinPeriod:            time.Second,
			StartStagger:         time.Minute,
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required")
	}
	if c.NATS.Bucket == "" {
		return errors.New("nats.bucket is required")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port %d is out of range", c.Metrics.Port)
		}
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}

	if c.Engine.MaxParallel <= 0 {
		return errors.New("engine.max_parallel must be positive")
	}
	if c.Engine.MinPeriod < 0 {
		return errors.New("engine.min_period cannot be negative")
	}
	if c.Engine.DefaultUpdateTimeout <= 0 {
		return errors.New("engine.default_update_timeout must be positive")
	}

	return nil
}

// ApplyEnvOverrides reads credentials from the environment so secrets can
// stay out of config files.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("DATASOURCES_NATS_USERNAME"); v != "" {
		c.NATS.Username = v
	}
	if v := os.Getenv("DATASOURCES_NATS_PASSWORD"); v != "" {
		c.NATS.Password = v
	}
	if v := os.Getenv("DATASOURCES_NATS_TOKEN"); v != "" {
		c.NATS.Token = v
	}
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// Redacted returns a copy safe for logging, with credentials masked
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	if clone.NATS.Password != "" {
		clone.NATS.Password = "[REDACTED]"
	}
	if clone.NATS.Token != "" {
		clone.NATS.Token = "[REDACTED]"
	}
	return clone
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a devlink node.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Directory DirectoryConfig `yaml:"directory"`
	Transport TransportConfig `yaml:"transport"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// NodeConfig holds node identity and send behavior.
type NodeConfig struct {
	// ID is this node's connection-server id. Devices connected here
	// carry it as their connectionServerId configuration.
	ID              string        `yaml:"id"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MaxForwardDepth int           `yaml:"max_forward_depth"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	APIAddr         string        `yaml:"api_addr"`
	APIEnabled      bool          `yaml:"api_enabled"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds device configuration storage settings.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// DirectoryConfig holds the shared device directory settings. The
// directory backs cross-node routing lookups.
type DirectoryConfig struct {
	Type        string        `yaml:"type"` // memory, etcd
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TransportConfig holds the inter-node message bridge settings.
type TransportConfig struct {
	Type       string        `yaml:"type"` // standalone, mqtt
	BrokerURL  string        `yaml:"broker_url"`
	ClientID   string        `yaml:"client_id"`
	QoS        byte          `yaml:"qos"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
	MaxWaiters int           `yaml:"max_waiters"`
}

// RateLimitConfig holds per-device send rate limiting.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // messages per second per device
	Burst   int     `yaml:"burst"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:              "devlink-1",
			DefaultTimeout:  10 * time.Second,
			MaxForwardDepth: 8,
			ShutdownTimeout: 30 * time.Second,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			APIAddr:         ":8080",
			APIEnabled:      true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "memory",
			BadgerDir: "/tmp/devlink/data",
		},
		Directory: DirectoryConfig{
			Type:        "memory",
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
		},
		Transport: TransportConfig{
			Type:       "standalone",
			BrokerURL:  "tcp://localhost:1883",
			QoS:        1,
			AckTimeout: 2 * time.Second,
			MaxWaiters: 10000,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Rate:    100,
			Burst:   200,
		},
		Telemetry: TelemetryConfig{
			ServiceName:     "devlink",
			ServiceVersion:  "1.0.0",
			OTLPEndpoint:    "localhost:4317",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if c.Node.DefaultTimeout <= 0 {
		return fmt.Errorf("node.default_timeout must be positive")
	}
	if c.Node.MaxForwardDepth <= 0 {
		return fmt.Errorf("node.max_forward_depth must be positive")
	}
	if c.Node.HealthEnabled && c.Node.HealthAddr == "" {
		return fmt.Errorf("node.health_addr cannot be empty when health is enabled")
	}
	if c.Node.APIEnabled && c.Node.APIAddr == "" {
		return fmt.Errorf("node.api_addr cannot be empty when the API is enabled")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir cannot be empty when storage.type is badger")
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}

	switch c.Directory.Type {
	case "memory":
	case "etcd":
		if len(c.Directory.Endpoints) == 0 {
			return fmt.Errorf("directory.endpoints cannot be empty when directory.type is etcd")
		}
		if c.Directory.DialTimeout <= 0 {
			return fmt.Errorf("directory.dial_timeout must be positive")
		}
	default:
		return fmt.Errorf("directory.type must be one of: memory, etcd")
	}

	switch c.Transport.Type {
	case "standalone":
	case "mqtt":
		if c.Transport.BrokerURL == "" {
			return fmt.Errorf("transport.broker_url cannot be empty when transport.type is mqtt")
		}
		if c.Transport.QoS > 2 {
			return fmt.Errorf("transport.qos must be 0, 1 or 2")
		}
	default:
		return fmt.Errorf("transport.type must be one of: standalone, mqtt")
	}
	if c.Transport.MaxWaiters < 0 {
		return fmt.Errorf("transport.max_waiters cannot be negative")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate_limit.rate must be positive when rate limiting is enabled")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate_limit.burst must be positive when rate limiting is enabled")
		}
	}

	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}
	if (c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled) && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlp_endpoint cannot be empty when telemetry is enabled")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

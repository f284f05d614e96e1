// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/correlator/auth"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration of the correlator node.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	HTTPAddr        string        `yaml:"http_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// EngineConfig holds the partition settings shared by all partitions.
type EngineConfig struct {
	PartitionCount        int32 `yaml:"partition_count"`
	HashMod               int32 `yaml:"hash_mod"` // 0 uses all partitions
	DeploymentPartitionID int32 `yaml:"deployment_partition_id"`

	// Size budget of the records written for one command
	MaxRecordBatchSize int `yaml:"max_record_batch_size"`

	// Subscription handshake retries
	SubscriptionCheckInterval time.Duration `yaml:"subscription_check_interval"`
	SubscriptionTimeout       time.Duration `yaml:"subscription_timeout"`

	// Message expiry
	TTLCheckInterval           time.Duration `yaml:"ttl_check_interval"`
	TTLBatchLimit              int           `yaml:"ttl_batch_limit"`
	BatchExpiryEnabled         bool          `yaml:"batch_expiry_enabled"`
	AppendMessageBodyOnExpired bool          `yaml:"append_message_body_on_expired"`
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir   string `yaml:"badger_dir"`
	SyncWrites  bool   `yaml:"sync_writes"`
	Compression string `yaml:"compression"` // none, s2, zstd
}

// TransportConfig holds inter-partition delivery settings.
type TransportConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// AuthConfig holds authorization settings. With auth disabled every
// principal may do everything.
type AuthConfig struct {
	Enabled      bool                    `yaml:"enabled"`
	MultiTenancy bool                    `yaml:"multi_tenancy"`
	Grants       map[string][]auth.Grant `yaml:"grants"` // username -> grants
}

// RateLimitConfig holds per-principal request rate limiting settings.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`  // requests per second per principal
	Burst           int           `yaml:"burst"` // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// WebhookConfig holds record export configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"` // "http"
	URL         string            `yaml:"url"`
	ValueTypes  []string          `yaml:"value_types"`  // Value type filter (empty = all)
	RecordTypes []string          `yaml:"record_types"` // Record type filter (empty = all)
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry       *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:          "correlator-1",
			HTTPAddr:        ":8080",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  10 * time.Second,

			OtelServiceName:     "correlator",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Engine: EngineConfig{
			PartitionCount:            3,
			DeploymentPartitionID:     1,
			MaxRecordBatchSize:        4 * 1024 * 1024,
			SubscriptionCheckInterval: 30 * time.Second,
			SubscriptionTimeout:       10 * time.Second,
			TTLCheckInterval:          time.Minute,
			TTLBatchLimit:             1000,
			BatchExpiryEnabled:        true,
		},
		Storage: StorageConfig{
			Type:        "badger",
			BadgerDir:   "/tmp/correlator/data",
			Compression: "zstd",
		},
		Transport: TransportConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:         false,
			Rate:            1000,
			Burst:           100,
			CleanupInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
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
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id cannot be empty")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}

	e := c.Engine
	if e.PartitionCount < 1 {
		return fmt.Errorf("engine.partition_count must be at least 1")
	}
	if e.HashMod < 0 || e.HashMod > e.PartitionCount {
		return fmt.Errorf("engine.hash_mod must be between 0 and engine.partition_count")
	}
	if e.DeploymentPartitionID < 1 || e.DeploymentPartitionID > e.PartitionCount {
		return fmt.Errorf("engine.deployment_partition_id must name an existing partition")
	}
	if e.MaxRecordBatchSize < 1024 {
		return fmt.Errorf("engine.max_record_batch_size must be at least 1KB")
	}
	if e.SubscriptionCheckInterval < time.Second || e.SubscriptionTimeout < time.Second {
		return fmt.Errorf("engine.subscription_check_interval and engine.subscription_timeout must be at least 1 second")
	}
	if e.TTLCheckInterval < time.Second {
		return fmt.Errorf("engine.ttl_check_interval must be at least 1 second")
	}
	if e.TTLBatchLimit < 1 {
		return fmt.Errorf("engine.ttl_batch_limit must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	validCompression := map[string]bool{"": true, "none": true, "s2": true, "zstd": true}
	if !validCompression[c.Storage.Compression] {
		return fmt.Errorf("storage.compression must be one of: none, s2, zstd")
	}

	if c.Transport.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("transport.circuit_breaker.failure_threshold must be at least 1")
	}

	if c.Auth.Enabled {
		for user, grants := range c.Auth.Grants {
			for i, g := range grants {
				if g.Resource == "" || g.Permission == "" {
					return fmt.Errorf("auth.grants[%s][%d] requires resource and permission", user, i)
				}
			}
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("ratelimit.rate must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("ratelimit.burst must be at least 1")
		}
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.Type != "http" {
				return fmt.Errorf("webhook.endpoints[%d].type must be 'http'", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
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

// Package config loads server configuration from an optional YAML file
// with environment variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, then the YAML file at path
// (if it exists), then HOOKLINE_* environment overrides, then validation.
// An empty path skips the file step entirely.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := parseFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{30 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
			RoutePrefix:     "",
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Storage: StorageConfig{
			Backend:            "memory",
			SubscriptionsTable: "webhook_subscriptions",
			DeliveriesTable:    "webhook_deliveries",
			InboundTable:       "inbound_events",
			MongoDatabase:      "hookline",
			MongoCollection:    "inbound_events",
			MaxOpenConns:       25,
			MaxIdleConns:       5,
			ConnMaxLifetime:    Duration{5 * time.Minute},
			CacheTTL:           Duration{30 * time.Second},
		},
		Ingest: IngestConfig{
			Tolerance: Duration{5 * time.Minute},
		},
		Delivery: DeliveryConfig{
			PollInterval:     Duration{time.Second},
			BatchSize:        10,
			Concurrency:      4,
			HTTPTimeout:      Duration{60 * time.Second},
			DisableThreshold: 0,
		},
		Inbound: InboundConfig{
			MaxAttempts:       5,
			RetryDelay:        Duration{30 * time.Second},
			BackoffMultiplier: 2.0,
			MaxDelay:          Duration{10 * time.Minute},
			PollInterval:      Duration{10 * time.Second},
			BatchSize:         20,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   120,
			Window:  Duration{time.Minute},
		},
	}
}

func parseFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

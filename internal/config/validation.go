package config

import (
	"fmt"
	"time"
)

// finalize fills in defaults that env overrides may have cleared and
// rejects configurations the server cannot run with.
func (c *Config) finalize() error {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}

	switch c.Storage.Backend {
	case "memory", "postgres":
	case "":
		c.Storage.Backend = "memory"
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if c.Storage.InboundBackend == "" {
		c.Storage.InboundBackend = c.Storage.Backend
	}
	switch c.Storage.InboundBackend {
	case "memory", "postgres", "mongodb":
	default:
		return fmt.Errorf("unsupported inbound storage backend %q", c.Storage.InboundBackend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("storage backend is postgres but postgres_url is empty")
	}
	if c.Storage.InboundBackend == "postgres" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("inbound storage backend is postgres but postgres_url is empty")
	}
	if c.Storage.InboundBackend == "mongodb" && c.Storage.MongoURI == "" {
		return fmt.Errorf("inbound storage backend is mongodb but mongo_uri is empty")
	}

	if c.Delivery.PollInterval.Duration <= 0 {
		c.Delivery.PollInterval = Duration{time.Second}
	}
	if c.Delivery.BatchSize <= 0 {
		c.Delivery.BatchSize = 10
	}
	if c.Delivery.Concurrency <= 0 {
		c.Delivery.Concurrency = 4
	}
	if c.Delivery.HTTPTimeout.Duration <= 0 {
		c.Delivery.HTTPTimeout = Duration{60 * time.Second}
	}
	if c.Delivery.DisableThreshold < 0 {
		return fmt.Errorf("delivery disable_threshold must not be negative")
	}

	if c.Inbound.MaxAttempts <= 0 {
		c.Inbound.MaxAttempts = 5
	}
	if c.Inbound.RetryDelay.Duration <= 0 {
		c.Inbound.RetryDelay = Duration{30 * time.Second}
	}
	if c.Inbound.BackoffMultiplier < 1 {
		c.Inbound.BackoffMultiplier = 2.0
	}
	if c.Inbound.MaxDelay.Duration < c.Inbound.RetryDelay.Duration {
		c.Inbound.MaxDelay = Duration{10 * time.Minute}
	}
	if c.Inbound.PollInterval.Duration <= 0 {
		c.Inbound.PollInterval = Duration{10 * time.Second}
	}
	if c.Inbound.BatchSize <= 0 {
		c.Inbound.BatchSize = 20
	}

	if c.Ingest.Tolerance.Duration < 0 {
		return fmt.Errorf("ingest tolerance must not be negative")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			c.RateLimit.Limit = 120
		}
		if c.RateLimit.Window.Duration <= 0 {
			c.RateLimit.Window = Duration{time.Minute}
		}
	}
	return nil
}

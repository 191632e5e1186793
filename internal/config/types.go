package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use Go-style duration
// strings ("30s", "5m") or bare numbers, which are treated as seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	case int:
		d.Duration = time.Duration(v) * time.Second
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration value: %v", raw)
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Config is the full server configuration, assembled by Load.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Inbound   InboundConfig   `yaml:"inbound"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	RoutePrefix     string   `yaml:"route_prefix"`
	CORSOrigins     []string `yaml:"cors_origins"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Environment string `yaml:"environment"`
}

// StorageConfig selects and configures the persistence backends.
// Subscriptions and deliveries support "memory" and "postgres";
// inbound events additionally support "mongodb".
type StorageConfig struct {
	Backend            string   `yaml:"backend"`
	InboundBackend     string   `yaml:"inbound_backend"`
	PostgresURL        string   `yaml:"postgres_url"`
	SubscriptionsTable string   `yaml:"subscriptions_table"`
	DeliveriesTable    string   `yaml:"deliveries_table"`
	InboundTable       string   `yaml:"inbound_table"`
	MongoURI           string   `yaml:"mongo_uri"`
	MongoDatabase      string   `yaml:"mongo_database"`
	MongoCollection    string   `yaml:"mongo_collection"`
	MaxOpenConns       int      `yaml:"max_open_conns"`
	MaxIdleConns       int      `yaml:"max_idle_conns"`
	ConnMaxLifetime    Duration `yaml:"conn_max_lifetime"`
	CacheTTL           Duration `yaml:"cache_ttl"`
}

// IngestConfig controls inbound event endpoints.
type IngestConfig struct {
	Secret              string   `yaml:"secret"`
	Tolerance           Duration `yaml:"tolerance"`
	StripeWebhookSecret string   `yaml:"stripe_webhook_secret"`
}

// DeliveryConfig controls the outbound delivery worker.
type DeliveryConfig struct {
	PollInterval     Duration `yaml:"poll_interval"`
	BatchSize        int      `yaml:"batch_size"`
	Concurrency      int      `yaml:"concurrency"`
	HTTPTimeout      Duration `yaml:"http_timeout"`
	DisableThreshold int64    `yaml:"disable_threshold"`
}

// InboundConfig controls retry processing of admitted events.
type InboundConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	RetryDelay        Duration `yaml:"retry_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	MaxDelay          Duration `yaml:"max_delay"`
	PollInterval      Duration `yaml:"poll_interval"`
	BatchSize         int      `yaml:"batch_size"`
}

type RateLimitConfig struct {
	Enabled bool     `yaml:"enabled"`
	Limit   int      `yaml:"limit"`
	Window  Duration `yaml:"window"`
}

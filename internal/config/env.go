package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides layers HOOKLINE_* environment variables over the
// file-loaded configuration. Only variables that are set are applied.
func applyEnvOverrides(cfg *Config) {
	setIfEnv(&cfg.Server.Address, "HOOKLINE_SERVER_ADDRESS")
	setDurationIfEnv(&cfg.Server.ReadTimeout, "HOOKLINE_SERVER_READ_TIMEOUT")
	setDurationIfEnv(&cfg.Server.WriteTimeout, "HOOKLINE_SERVER_WRITE_TIMEOUT")
	setDurationIfEnv(&cfg.Server.IdleTimeout, "HOOKLINE_SERVER_IDLE_TIMEOUT")
	setDurationIfEnv(&cfg.Server.ShutdownTimeout, "HOOKLINE_SERVER_SHUTDOWN_TIMEOUT")
	setIfEnv(&cfg.Server.RoutePrefix, "HOOKLINE_SERVER_ROUTE_PREFIX")
	setSliceIfEnv(&cfg.Server.CORSOrigins, "HOOKLINE_SERVER_CORS_ORIGINS")

	setIfEnv(&cfg.Logging.Level, "HOOKLINE_LOG_LEVEL")
	setIfEnv(&cfg.Logging.Format, "HOOKLINE_LOG_FORMAT")
	setIfEnv(&cfg.Logging.Environment, "HOOKLINE_ENVIRONMENT")

	setIfEnv(&cfg.Storage.Backend, "HOOKLINE_STORAGE_BACKEND")
	setIfEnv(&cfg.Storage.InboundBackend, "HOOKLINE_STORAGE_INBOUND_BACKEND")
	setIfEnv(&cfg.Storage.PostgresURL, "HOOKLINE_POSTGRES_URL")
	setIfEnv(&cfg.Storage.MongoURI, "HOOKLINE_MONGO_URI")
	setIfEnv(&cfg.Storage.MongoDatabase, "HOOKLINE_MONGO_DATABASE")
	setIfEnv(&cfg.Storage.MongoCollection, "HOOKLINE_MONGO_COLLECTION")
	setIntIfEnv(&cfg.Storage.MaxOpenConns, "HOOKLINE_STORAGE_MAX_OPEN_CONNS")
	setIntIfEnv(&cfg.Storage.MaxIdleConns, "HOOKLINE_STORAGE_MAX_IDLE_CONNS")
	setDurationIfEnv(&cfg.Storage.ConnMaxLifetime, "HOOKLINE_STORAGE_CONN_MAX_LIFETIME")
	setDurationIfEnv(&cfg.Storage.CacheTTL, "HOOKLINE_STORAGE_CACHE_TTL")

	setIfEnv(&cfg.Ingest.Secret, "HOOKLINE_INGEST_SECRET")
	setDurationIfEnv(&cfg.Ingest.Tolerance, "HOOKLINE_INGEST_TOLERANCE")
	setIfEnv(&cfg.Ingest.StripeWebhookSecret, "HOOKLINE_STRIPE_WEBHOOK_SECRET")

	setDurationIfEnv(&cfg.Delivery.PollInterval, "HOOKLINE_DELIVERY_POLL_INTERVAL")
	setIntIfEnv(&cfg.Delivery.BatchSize, "HOOKLINE_DELIVERY_BATCH_SIZE")
	setIntIfEnv(&cfg.Delivery.Concurrency, "HOOKLINE_DELIVERY_CONCURRENCY")
	setDurationIfEnv(&cfg.Delivery.HTTPTimeout, "HOOKLINE_DELIVERY_HTTP_TIMEOUT")
	setInt64IfEnv(&cfg.Delivery.DisableThreshold, "HOOKLINE_DELIVERY_DISABLE_THRESHOLD")

	setIntIfEnv(&cfg.Inbound.MaxAttempts, "HOOKLINE_INBOUND_MAX_ATTEMPTS")
	setDurationIfEnv(&cfg.Inbound.RetryDelay, "HOOKLINE_INBOUND_RETRY_DELAY")
	setDurationIfEnv(&cfg.Inbound.MaxDelay, "HOOKLINE_INBOUND_MAX_DELAY")
	setDurationIfEnv(&cfg.Inbound.PollInterval, "HOOKLINE_INBOUND_POLL_INTERVAL")
	setIntIfEnv(&cfg.Inbound.BatchSize, "HOOKLINE_INBOUND_BATCH_SIZE")

	setBoolIfEnv(&cfg.RateLimit.Enabled, "HOOKLINE_RATE_LIMIT_ENABLED")
	setIntIfEnv(&cfg.RateLimit.Limit, "HOOKLINE_RATE_LIMIT")
	setDurationIfEnv(&cfg.RateLimit.Window, "HOOKLINE_RATE_LIMIT_WINDOW")
}

func setIfEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*target = parsed
		}
	}
}

func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}

func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func setDurationIfEnv(target *Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if parsed, err := time.ParseDuration(v); err == nil {
		*target = Duration{parsed}
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*target = Duration{time.Duration(secs) * time.Second}
	}
}

func setSliceIfEnv(target *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) > 0 {
		*target = out
	}
}

// normalizeRoutePrefix ensures a non-empty prefix starts with "/" and
// does not end with one, so routes can be joined without doubling slashes.
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimRight(prefix, "/")
}

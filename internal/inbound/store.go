package inbound

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by event store operations.
var (
	ErrNotFound = errors.New("inbound event not found")

	// ErrNotClaimable means the event is terminal or already being
	// processed by another worker.
	ErrNotClaimable = errors.New("inbound event not claimable")
)

// EventStore persists inbound events and enforces idempotent admission.
//
// Admit is the only synchronization point on the inbound path: it inserts the
// event if its external ID is unseen and returns the existing row otherwise,
// atomically, so two concurrent receipts of the same event admit exactly one.
type EventStore interface {
	// Admit inserts the event if its external ID is absent. When the ID
	// already exists the stored event is returned with IsNew false; the
	// incoming payload is discarded.
	Admit(ctx context.Context, event InboundEvent) (AdmitResult, error)

	// Get retrieves an event by its external ID.
	Get(ctx context.Context, externalEventID string) (InboundEvent, error)

	// ClaimForProcessing moves a pending or retrying event to processing,
	// incrementing its attempt counter and stamping the attempt time.
	ClaimForProcessing(ctx context.Context, externalEventID string) (InboundEvent, error)

	// MarkSucceeded finishes the event successfully.
	MarkSucceeded(ctx context.Context, externalEventID string) error

	// MarkFailed finishes the event with a recorded error.
	MarkFailed(ctx context.Context, externalEventID string, errorMessage string) error

	// MarkRetrying records a transient handler error and schedules the
	// next processing attempt.
	MarkRetrying(ctx context.Context, externalEventID string, errorMessage string, nextAttemptAt time.Time) error

	// ListDue returns pending and retrying events whose NextAttemptAt has
	// passed, oldest first.
	ListDue(ctx context.Context, limit int) ([]InboundEvent, error)

	// Close releases any resources held by the store.
	Close() error
}

// StoreConfig holds configuration for creating an event store.
type StoreConfig struct {
	Backend     string  // "memory", "postgres" or "mongodb"
	PostgresURL string  // Connection string for postgres
	PostgresDB  *sql.DB // Optional shared database connection
	TableName   string  // Custom table name (default: "inbound_events")

	MongoURI        string // Connection string for mongodb
	MongoDatabase   string // Database name (default: "hookline")
	MongoCollection string // Collection name (default: "inbound_events")
}

// NewEventStore creates an event store based on configuration.
func NewEventStore(cfg StoreConfig) (EventStore, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryEventStore(), nil
	case "postgres":
		if cfg.PostgresDB != nil {
			store := NewPostgresEventStoreWithDB(cfg.PostgresDB)
			if cfg.TableName != "" {
				store = store.WithTableName(cfg.TableName)
			}
			return store, nil
		}
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires a connection string")
		}
		store, err := NewPostgresEventStore(cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if cfg.TableName != "" {
			store = store.WithTableName(cfg.TableName)
		}
		return store, nil
	case "mongodb":
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("mongodb backend requires a connection string")
		}
		database := cfg.MongoDatabase
		if database == "" {
			database = "hookline"
		}
		collection := cfg.MongoCollection
		if collection == "" {
			collection = "inbound_events"
		}
		return NewMongoEventStore(cfg.MongoURI, database, collection)
	default:
		return nil, fmt.Errorf("unknown inbound event store backend: %s", cfg.Backend)
	}
}

package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by queue store operations.
var (
	ErrNotFound = errors.New("delivery not found")

	// ErrNotClaimable means the delivery is not in a claimable state,
	// usually because another worker already marked it processing.
	ErrNotClaimable = errors.New("delivery not claimable")

	// ErrNotRetryable means a manual retry was requested for a delivery
	// that is not in a terminal failed state.
	ErrNotRetryable = errors.New("delivery not retryable")
)

// Store is the persistent delivery queue.
//
// A delivery is claimed with MarkProcessing before any HTTP attempt, and the
// next attempt is only ever scheduled from the recorded outcome of the current
// one, so attempt numbers are strictly sequential per delivery even with many
// workers polling.
type Store interface {
	// Enqueue inserts a new delivery in pending state.
	Enqueue(ctx context.Context, d Delivery) (string, error)

	// DequeueDue returns deliveries whose ScheduledAt has passed, oldest
	// first. Returned rows are candidates; workers must still claim them.
	DequeueDue(ctx context.Context, limit int) ([]Delivery, error)

	// MarkProcessing claims a pending or retrying delivery, increments
	// its attempt counter and returns the updated row. Returns
	// ErrNotClaimable when the delivery was already claimed or finished.
	MarkProcessing(ctx context.Context, id string) (Delivery, error)

	// MarkDelivered records a successful attempt and finishes the delivery.
	MarkDelivered(ctx context.Context, id string, att Attempt) error

	// MarkRetrying records a failed attempt and schedules the next one.
	MarkRetrying(ctx context.Context, id string, att Attempt, nextRetryAt time.Time) error

	// MarkFailed records a failed attempt and finishes the delivery.
	MarkFailed(ctx context.Context, id string, att Attempt) error

	// Requeue claims a terminally failed delivery for a manual retry,
	// incrementing its attempt counter. Returns ErrNotRetryable when the
	// delivery is not failed.
	Requeue(ctx context.Context, id string) (Delivery, error)

	// Get retrieves a delivery by ID.
	Get(ctx context.Context, id string) (Delivery, error)

	// List returns deliveries, newest first, optionally filtered by status.
	List(ctx context.Context, status Status, limit int) ([]Delivery, error)

	// CountDue returns the number of deliveries waiting to be attempted.
	CountDue(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// StoreConfig holds configuration for creating a delivery store.
type StoreConfig struct {
	Backend     string  // "memory" or "postgres"
	PostgresURL string  // Connection string for postgres
	PostgresDB  *sql.DB // Optional shared database connection
	TableName   string  // Custom table name (default: "webhook_deliveries")
}

// NewStore creates a delivery store based on configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresDB != nil {
			store := NewPostgresStoreWithDB(cfg.PostgresDB)
			if cfg.TableName != "" {
				store = store.WithTableName(cfg.TableName)
			}
			return store, nil
		}
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires a connection string")
		}
		store, err := NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if cfg.TableName != "" {
			store = store.WithTableName(cfg.TableName)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown delivery store backend: %s", cfg.Backend)
	}
}

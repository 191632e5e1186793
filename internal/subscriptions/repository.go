package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Common errors returned by repository operations.
var (
	ErrNotFound            = errors.New("subscription not found")
	ErrAlreadyExists       = errors.New("subscription already exists")
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// Repository is the registry contract the delivery engine consumes.
//
// Create/Get/Update/Deactivate belong to the CRUD surface; ListActiveForEvent,
// RecordSuccess and RecordFailure are the dispatcher's read and counter paths.
// Counter updates are atomic at the storage layer so the two writers never
// race on read-modify-write.
type Repository interface {
	// Create stores a new subscription.
	Create(ctx context.Context, sub Subscription) error

	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (Subscription, error)

	// Update modifies URL, events, headers, filters, retry settings and
	// the active flag. It never touches the delivery counters.
	Update(ctx context.Context, sub Subscription) error

	// Deactivate clears the active flag. Scheduled retries for the
	// subscription are skipped at execution time.
	Deactivate(ctx context.Context, id string) error

	// List returns subscriptions, optionally filtered by owner.
	List(ctx context.Context, ownerID string, limit int) ([]Subscription, error)

	// ListActiveForEvent returns active subscriptions whose pattern set
	// could select the event type. Backends use an index over the
	// candidate patterns, not a full scan.
	ListActiveForEvent(ctx context.Context, eventType string) ([]Subscription, error)

	// RecordSuccess atomically increments successfulDeliveries, resets
	// consecutiveFailures and stamps lastTriggeredAt.
	RecordSuccess(ctx context.Context, id string, triggeredAt time.Time) error

	// RecordFailure atomically increments failedDeliveries and
	// consecutiveFailures, returning the new consecutive count so the
	// engine can apply an auto-disable threshold.
	RecordFailure(ctx context.Context, id string) (int64, error)

	// Close releases any resources held by the repository.
	Close() error
}

// RepositoryConfig holds configuration for creating a repository.
type RepositoryConfig struct {
	Backend     string  // "memory" or "postgres"
	PostgresURL string  // Connection string for postgres
	PostgresDB  *sql.DB // Optional shared database connection
	TableName   string  // Custom table name (default: "webhook_subscriptions")
}

// NewRepository creates a repository based on configuration.
func NewRepository(cfg RepositoryConfig) (Repository, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryRepository(), nil
	case "postgres":
		if cfg.PostgresDB != nil {
			repo := NewPostgresRepositoryWithDB(cfg.PostgresDB)
			if cfg.TableName != "" {
				repo = repo.WithTableName(cfg.TableName)
			}
			return repo, nil
		}
		if cfg.PostgresURL == "" {
			return nil, errors.New("postgres_url required for postgres backend")
		}
		repo, err := NewPostgresRepository(cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if cfg.TableName != "" {
			repo = repo.WithTableName(cfg.TableName)
		}
		return repo, nil
	default:
		return nil, errors.New("unknown subscription repository backend: " + cfg.Backend)
	}
}

package subscriptions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hookline/server/internal/eventmatch"
)

// PostgresRepository implements Repository using PostgreSQL.
//
// Event patterns live in a text[] column with a GIN index; ListActiveForEvent
// probes it with the candidate-pattern set instead of scanning every row.
type PostgresRepository struct {
	db        *sql.DB
	tableName string
	ownsDB    bool // Whether we created the DB connection (vs. shared)
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(connStr string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	repo := &PostgresRepository{
		db:        db,
		tableName: "webhook_subscriptions",
		ownsDB:    true,
	}

	if err := repo.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return repo, nil
}

// NewPostgresRepositoryWithDB creates a repository using a shared database connection.
func NewPostgresRepositoryWithDB(db *sql.DB) *PostgresRepository {
	repo := &PostgresRepository{
		db:        db,
		tableName: "webhook_subscriptions",
		ownsDB:    false,
	}
	// Attempt to create table, but don't fail if it already exists
	_ = repo.createTable()
	return repo
}

// WithTableName returns a copy of the repository with a custom table name.
func (r *PostgresRepository) WithTableName(name string) *PostgresRepository {
	return &PostgresRepository{
		db:        r.db,
		tableName: name,
		ownsDB:    r.ownsDB,
	}
}

func (r *PostgresRepository) createTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                    TEXT PRIMARY KEY,
			owner_id              TEXT NOT NULL,
			url                   TEXT NOT NULL,
			secret                TEXT,
			events                TEXT[] NOT NULL,
			method                TEXT NOT NULL DEFAULT 'POST',
			headers               JSONB,
			timeout_ms            INTEGER NOT NULL DEFAULT 10000,
			retry_config          JSONB NOT NULL,
			filters               JSONB,
			is_active             BOOLEAN NOT NULL DEFAULT TRUE,
			successful_deliveries BIGINT NOT NULL DEFAULT 0,
			failed_deliveries     BIGINT NOT NULL DEFAULT 0,
			consecutive_failures  BIGINT NOT NULL DEFAULT 0,
			last_triggered_at     TIMESTAMPTZ,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_%s_owner
			ON %s(owner_id);
		CREATE INDEX IF NOT EXISTS idx_%s_events
			ON %s USING GIN(events);
	`, r.tableName,
		r.tableName, r.tableName,
		r.tableName, r.tableName)

	_, err := r.db.Exec(query)
	return err
}

// Create stores a new subscription.
func (r *PostgresRepository) Create(ctx context.Context, sub Subscription) error {
	if sub.ID == "" {
		return ErrInvalidSubscription
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	headers, retryCfg, filters, err := marshalConfigColumns(sub)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, owner_id, url, secret, events, method, headers, timeout_ms,
			retry_config, filters, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, r.tableName)

	_, err = r.db.ExecContext(ctx, query,
		sub.ID, sub.OwnerID, sub.URL, nullString(sub.Secret),
		pq.Array(sub.Events), string(sub.Method), headers, sub.TimeoutMs,
		retryCfg, filters, sub.IsActive, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert subscription: %w", err)
	}

	return nil
}

// Get retrieves a subscription by ID.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Subscription, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE id = $1
	`, subscriptionColumns, r.tableName)

	row := r.db.QueryRowContext(ctx, query, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	return sub, nil
}

// Update modifies an existing subscription's configuration. Counter columns
// are deliberately absent from the statement; only the delivery worker's
// RecordSuccess/RecordFailure touch them.
func (r *PostgresRepository) Update(ctx context.Context, sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	headers, retryCfg, filters, err := marshalConfigColumns(sub)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET owner_id = $1, url = $2, secret = $3, events = $4, method = $5,
		    headers = $6, timeout_ms = $7, retry_config = $8, filters = $9,
		    is_active = $10, updated_at = $11
		WHERE id = $12
	`, r.tableName)

	result, err := r.db.ExecContext(ctx, query,
		sub.OwnerID, sub.URL, nullString(sub.Secret), pq.Array(sub.Events),
		string(sub.Method), headers, sub.TimeoutMs, retryCfg, filters,
		sub.IsActive, time.Now().UTC(), sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	return requireRowsAffected(result)
}

// Deactivate clears the active flag.
func (r *PostgresRepository) Deactivate(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET is_active = FALSE, updated_at = $1 WHERE id = $2
	`, r.tableName)

	result, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}

	return requireRowsAffected(result)
}

// List returns subscriptions, optionally filtered by owner.
func (r *PostgresRepository) List(ctx context.Context, ownerID string, limit int) ([]Subscription, error) {
	var query string
	var args []interface{}

	if ownerID == "" {
		query = fmt.Sprintf(`
			SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1
		`, subscriptionColumns, r.tableName)
		args = []interface{}{limit}
	} else {
		query = fmt.Sprintf(`
			SELECT %s FROM %s WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2
		`, subscriptionColumns, r.tableName)
		args = []interface{}{ownerID, limit}
	}

	return r.querySubscriptions(ctx, query, args...)
}

// ListActiveForEvent returns active subscriptions whose pattern set overlaps
// the candidate patterns for the event type. The GIN index on events serves
// the overlap; eventmatch re-checks each row so the query only narrows.
func (r *PostgresRepository) ListActiveForEvent(ctx context.Context, eventType string) ([]Subscription, error) {
	candidates := eventmatch.CandidatePatterns(eventType)
	if len(candidates) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE is_active = TRUE AND events && $1
	`, subscriptionColumns, r.tableName)

	subs, err := r.querySubscriptions(ctx, query, pq.Array(candidates))
	if err != nil {
		return nil, err
	}

	matched := subs[:0]
	for _, sub := range subs {
		if eventmatch.MatchesAny(eventType, sub.Events) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

// RecordSuccess atomically increments the success counter.
func (r *PostgresRepository) RecordSuccess(ctx context.Context, id string, triggeredAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET successful_deliveries = successful_deliveries + 1,
		    consecutive_failures = 0,
		    last_triggered_at = $1
		WHERE id = $2
	`, r.tableName)

	result, err := r.db.ExecContext(ctx, query, triggeredAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return requireRowsAffected(result)
}

// RecordFailure atomically increments the failure counters and returns the
// new consecutive-failure count.
func (r *PostgresRepository) RecordFailure(ctx context.Context, id string) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET failed_deliveries = failed_deliveries + 1,
		    consecutive_failures = consecutive_failures + 1
		WHERE id = $1
		RETURNING consecutive_failures
	`, r.tableName)

	var consecutive int64
	err := r.db.QueryRowContext(ctx, query, id).Scan(&consecutive)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return consecutive, nil
}

// Close closes the database connection if this repository owns it.
func (r *PostgresRepository) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}

const subscriptionColumns = `id, owner_id, url, secret, events, method, headers, timeout_ms,
	retry_config, filters, is_active, successful_deliveries, failed_deliveries,
	consecutive_failures, last_triggered_at, created_at, updated_at`

func (r *PostgresRepository) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(s scanner) (Subscription, error) {
	var sub Subscription
	var secret sql.NullString
	var method string
	var headersJSON, retryJSON, filtersJSON []byte
	var lastTriggeredAt sql.NullTime

	err := s.Scan(
		&sub.ID, &sub.OwnerID, &sub.URL, &secret, pq.Array(&sub.Events),
		&method, &headersJSON, &sub.TimeoutMs, &retryJSON, &filtersJSON,
		&sub.IsActive, &sub.SuccessfulDeliveries, &sub.FailedDeliveries,
		&sub.ConsecutiveFailures, &lastTriggeredAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return Subscription{}, err
	}

	sub.Secret = secret.String
	sub.Method = Method(method)
	if lastTriggeredAt.Valid {
		sub.LastTriggeredAt = &lastTriggeredAt.Time
	}

	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &sub.Headers); err != nil {
			return Subscription{}, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if len(retryJSON) > 0 {
		if err := json.Unmarshal(retryJSON, &sub.Retry); err != nil {
			return Subscription{}, fmt.Errorf("unmarshal retry config: %w", err)
		}
	}
	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &sub.Filters); err != nil {
			return Subscription{}, fmt.Errorf("unmarshal filters: %w", err)
		}
	}

	return sub, nil
}

func marshalConfigColumns(sub Subscription) (headers, retryCfg, filters []byte, err error) {
	headers, err = json.Marshal(sub.Headers)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal headers: %w", err)
	}
	retryCfg, err = json.Marshal(sub.Retry)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal retry config: %w", err)
	}
	filters, err = json.Marshal(sub.Filters)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal filters: %w", err)
	}
	return headers, retryCfg, filters, nil
}

// nullString converts empty strings to SQL NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// requireRowsAffected maps zero affected rows to ErrNotFound.
func requireRowsAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

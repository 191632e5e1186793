package inbound

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresEventStore implements EventStore using PostgreSQL.
//
// Admission relies on the primary key over external_event_id: the insert uses
// ON CONFLICT DO NOTHING and falls back to re-reading the winner's row, so
// concurrent admits of one event never race.
type PostgresEventStore struct {
	db        *sql.DB
	tableName string
	ownsDB    bool // Whether we created the DB connection (vs. shared)
}

// NewPostgresEventStore creates a new PostgreSQL event store.
func NewPostgresEventStore(connStr string) (*PostgresEventStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresEventStore{
		db:        db,
		tableName: "inbound_events",
		ownsDB:    true,
	}

	if err := store.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return store, nil
}

// NewPostgresEventStoreWithDB creates an event store using a shared database connection.
func NewPostgresEventStoreWithDB(db *sql.DB) *PostgresEventStore {
	store := &PostgresEventStore{
		db:        db,
		tableName: "inbound_events",
		ownsDB:    false,
	}
	// Attempt to create table, but don't fail if it already exists
	_ = store.createTable()
	return store
}

// WithTableName returns a copy of the store with a custom table name.
func (s *PostgresEventStore) WithTableName(name string) *PostgresEventStore {
	copied := &PostgresEventStore{
		db:        s.db,
		tableName: name,
		ownsDB:    s.ownsDB,
	}
	_ = copied.createTable()
	return copied
}

func (s *PostgresEventStore) createTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			external_event_id   TEXT PRIMARY KEY,
			source              TEXT NOT NULL,
			event_type          TEXT NOT NULL,
			payload             JSONB NOT NULL,
			api_version         TEXT,
			livemode            BOOLEAN NOT NULL DEFAULT FALSE,
			status              TEXT NOT NULL DEFAULT 'pending',
			processing_attempts INTEGER NOT NULL DEFAULT 0,
			last_processing_at  TIMESTAMPTZ,
			next_attempt_at     TIMESTAMPTZ NOT NULL,
			error_message       TEXT,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_%s_due ON %s (status, next_attempt_at)
	`, s.tableName, s.tableName, s.tableName)

	_, err := s.db.Exec(query)
	return err
}

const eventColumns = `external_event_id, source, event_type, payload, api_version, livemode, status, processing_attempts, last_processing_at, next_attempt_at, error_message, created_at, updated_at`

// Admit inserts the event if its external ID is absent.
func (s *PostgresEventStore) Admit(ctx context.Context, event InboundEvent) (AdmitResult, error) {
	now := time.Now().UTC()
	if event.Status == "" {
		event.Status = StatusPending
	}
	if event.NextAttemptAt.IsZero() {
		event.NextAttemptAt = now
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (external_event_id) DO NOTHING
	`, s.tableName, eventColumns)

	result, err := s.db.ExecContext(ctx, query,
		event.ExternalEventID, event.Source, event.EventType, []byte(event.Payload),
		nullStr(event.APIVersion), event.Livemode, event.Status,
		event.ProcessingAttempts, event.LastProcessingAt, event.NextAttemptAt,
		nullStr(event.ErrorMessage), event.CreatedAt, now,
	)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("insert event: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return AdmitResult{}, fmt.Errorf("check rows affected: %w", err)
	}

	if inserted == 0 {
		// Lost the race or a true duplicate; return the stored row.
		existing, err := s.Get(ctx, event.ExternalEventID)
		if err != nil {
			return AdmitResult{}, err
		}
		return AdmitResult{IsNew: false, Event: existing}, nil
	}

	stored, err := s.Get(ctx, event.ExternalEventID)
	if err != nil {
		return AdmitResult{}, err
	}
	return AdmitResult{IsNew: true, Event: stored}, nil
}

// Get retrieves an event by its external ID.
func (s *PostgresEventStore) Get(ctx context.Context, externalEventID string) (InboundEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE external_event_id = $1
	`, eventColumns, s.tableName)

	row := s.db.QueryRowContext(ctx, query, externalEventID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return InboundEvent{}, ErrNotFound
	}
	if err != nil {
		return InboundEvent{}, fmt.Errorf("scan event: %w", err)
	}
	return ev, nil
}

// ClaimForProcessing moves a pending or retrying event to processing.
func (s *PostgresEventStore) ClaimForProcessing(ctx context.Context, externalEventID string) (InboundEvent, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, processing_attempts = processing_attempts + 1,
		    last_processing_at = NOW(), updated_at = NOW()
		WHERE external_event_id = $2 AND status IN ($3, $4)
		RETURNING %s
	`, s.tableName, eventColumns)

	row := s.db.QueryRowContext(ctx, query, StatusProcessing, externalEventID, StatusPending, StatusRetrying)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		if _, getErr := s.Get(ctx, externalEventID); getErr != nil {
			return InboundEvent{}, getErr
		}
		return InboundEvent{}, ErrNotClaimable
	}
	if err != nil {
		return InboundEvent{}, fmt.Errorf("claim event: %w", err)
	}
	return ev, nil
}

// MarkSucceeded finishes the event successfully.
func (s *PostgresEventStore) MarkSucceeded(ctx context.Context, externalEventID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, error_message = NULL, updated_at = NOW()
		WHERE external_event_id = $2
	`, s.tableName)

	result, err := s.db.ExecContext(ctx, query, StatusSucceeded, externalEventID)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return requireRows(result)
}

// MarkFailed finishes the event with a recorded error.
func (s *PostgresEventStore) MarkFailed(ctx context.Context, externalEventID string, errorMessage string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE external_event_id = $3
	`, s.tableName)

	result, err := s.db.ExecContext(ctx, query, StatusFailed, errorMessage, externalEventID)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return requireRows(result)
}

// MarkRetrying records a transient handler error and schedules the next
// attempt.
func (s *PostgresEventStore) MarkRetrying(ctx context.Context, externalEventID string, errorMessage string, nextAttemptAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, error_message = $2, next_attempt_at = $3, updated_at = NOW()
		WHERE external_event_id = $4
	`, s.tableName)

	result, err := s.db.ExecContext(ctx, query, StatusRetrying, errorMessage, nextAttemptAt, externalEventID)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return requireRows(result)
}

// ListDue returns pending and retrying events ready for processing.
func (s *PostgresEventStore) ListDue(ctx context.Context, limit int) ([]InboundEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status IN ($1, $2) AND next_attempt_at <= $3
		ORDER BY next_attempt_at ASC
		LIMIT $4
	`, eventColumns, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, StatusPending, StatusRetrying, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []InboundEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the database connection if owned by this store.
func (s *PostgresEventStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(sc scanner) (InboundEvent, error) {
	var (
		ev               InboundEvent
		payload          []byte
		apiVersion       sql.NullString
		lastProcessingAt sql.NullTime
		errorMessage     sql.NullString
	)

	err := sc.Scan(
		&ev.ExternalEventID, &ev.Source, &ev.EventType, &payload,
		&apiVersion, &ev.Livemode, &ev.Status, &ev.ProcessingAttempts,
		&lastProcessingAt, &ev.NextAttemptAt, &errorMessage,
		&ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return InboundEvent{}, err
	}

	ev.Payload = json.RawMessage(payload)
	if apiVersion.Valid {
		ev.APIVersion = apiVersion.String
	}
	if lastProcessingAt.Valid {
		t := lastProcessingAt.Time
		ev.LastProcessingAt = &t
	}
	if errorMessage.Valid {
		ev.ErrorMessage = errorMessage.String
	}
	return ev, nil
}

// nullStr converts empty strings to SQL NULL.
func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// requireRows maps zero affected rows to ErrNotFound.
func requireRows(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements Store using PostgreSQL.
//
// The queue is a single table ordered by (status, scheduled_at); claims are
// conditional updates on status so concurrent workers never double-send.
type PostgresStore struct {
	db        *sql.DB
	tableName string
	ownsDB    bool // Whether we created the DB connection (vs. shared)
}

// NewPostgresStore creates a new PostgreSQL delivery store.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{
		db:        db,
		tableName: "webhook_deliveries",
		ownsDB:    true,
	}

	if err := store.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return store, nil
}

// NewPostgresStoreWithDB creates a delivery store using a shared database connection.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	store := &PostgresStore{
		db:        db,
		tableName: "webhook_deliveries",
		ownsDB:    false,
	}
	// Attempt to create table, but don't fail if it already exists
	_ = store.createTable()
	return store
}

// WithTableName returns a copy of the store with a custom table name.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	copied := &PostgresStore{
		db:        s.db,
		tableName: name,
		ownsDB:    s.ownsDB,
	}
	_ = copied.createTable()
	return copied
}

func (s *PostgresStore) createTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id              TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL,
			event_id        TEXT NOT NULL,
			event_type      TEXT NOT NULL,
			url             TEXT NOT NULL,
			payload         JSONB NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			attempt         INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL DEFAULT 1,
			http_status     INTEGER,
			last_error      TEXT,
			attempts        JSONB NOT NULL DEFAULT '[]'::jsonb,
			scheduled_at    TIMESTAMPTZ NOT NULL,
			next_retry_at   TIMESTAMPTZ,
			delivered_at    TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_%s_due ON %s (status, scheduled_at);
		CREATE INDEX IF NOT EXISTS idx_%s_event ON %s (event_id);
		CREATE INDEX IF NOT EXISTS idx_%s_subscription ON %s (subscription_id)
	`, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName)

	_, err := s.db.Exec(query)
	return err
}

const deliveryColumns = `id, subscription_id, event_id, event_type, url, payload, status, attempt, max_attempts, http_status, last_error, attempts, scheduled_at, next_retry_at, delivered_at, created_at, updated_at`

// Enqueue inserts a new delivery in pending state.
func (s *PostgresStore) Enqueue(ctx context.Context, d Delivery) (string, error) {
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	if d.ScheduledAt.IsZero() {
		d.ScheduledAt = now
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}

	attemptsJSON, err := marshalAttempts(d.Attempts)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, s.tableName, deliveryColumns)

	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.SubscriptionID, d.EventID, d.EventType, d.URL,
		[]byte(d.Payload), d.Status, d.Attempt, d.MaxAttempts,
		nullInt(d.HTTPStatus), nullStr(d.LastError), attemptsJSON,
		d.ScheduledAt, d.NextRetryAt, d.DeliveredAt, d.CreatedAt, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert delivery: %w", err)
	}

	return d.ID, nil
}

// DequeueDue returns deliveries ready for an attempt, oldest first.
func (s *PostgresStore) DequeueDue(ctx context.Context, limit int) ([]Delivery, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status IN ($1, $2) AND scheduled_at <= $3
		ORDER BY scheduled_at ASC
		LIMIT $4
	`, deliveryColumns, s.tableName)

	return s.queryDeliveries(ctx, query, StatusPending, StatusRetrying, time.Now().UTC(), limit)
}

// MarkProcessing claims a pending or retrying delivery.
func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) (Delivery, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempt = attempt + 1, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
		RETURNING %s
	`, s.tableName, deliveryColumns)

	row := s.db.QueryRowContext(ctx, query, StatusProcessing, id, StatusPending, StatusRetrying)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return Delivery{}, getErr
		}
		return Delivery{}, ErrNotClaimable
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("claim delivery: %w", err)
	}
	return d, nil
}

// MarkDelivered records a successful attempt and finishes the delivery.
func (s *PostgresStore) MarkDelivered(ctx context.Context, id string, att Attempt) error {
	attJSON, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempts = attempts || $2::jsonb, http_status = $3,
		    last_error = NULL, next_retry_at = NULL, delivered_at = $4, updated_at = NOW()
		WHERE id = $5
	`, s.tableName)

	result, err := s.db.ExecContext(ctx, query, StatusDelivered, attJSON, nullInt(intPtr(att.HTTPStatus)), att.At, id)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return requireRows(result)
}

// MarkRetrying records a failed attempt and schedules the next one.
func (s *PostgresStore) MarkRetrying(ctx context.Context, id string, att Attempt, nextRetryAt time.Time) error {
	attJSON, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempts = attempts || $2::jsonb, http_status = $3,
		    last_error = $4, scheduled_at = $5, next_retry_at = $5, updated_at = NOW()
		WHERE id = $6
	`, s.tableName)

	result, err := s.db.ExecContext(ctx, query, StatusRetrying, attJSON, nullInt(intPtr(att.HTTPStatus)), att.Error, nextRetryAt, id)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return requireRows(result)
}

// MarkFailed records a failed attempt and finishes the delivery.
func (s *PostgresStore) MarkFailed(ctx context.Context, id string, att Attempt) error {
	attJSON, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempts = attempts || $2::jsonb, http_status = $3,
		    last_error = $4, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $5
	`, s.tableName)

	result, err := s.db.ExecContext(ctx, query, StatusFailed, attJSON, nullInt(intPtr(att.HTTPStatus)), att.Error, id)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return requireRows(result)
}

// Requeue claims a terminally failed delivery for a manual retry.
func (s *PostgresStore) Requeue(ctx context.Context, id string) (Delivery, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempt = attempt + 1, updated_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING %s
	`, s.tableName, deliveryColumns)

	row := s.db.QueryRowContext(ctx, query, StatusProcessing, id, StatusFailed)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return Delivery{}, getErr
		}
		return Delivery{}, ErrNotRetryable
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("requeue delivery: %w", err)
	}
	return d, nil
}

// Get retrieves a delivery by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (Delivery, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE id = $1
	`, deliveryColumns, s.tableName)

	row := s.db.QueryRowContext(ctx, query, id)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	return d, nil
}

// List returns deliveries, newest first, optionally filtered by status.
func (s *PostgresStore) List(ctx context.Context, status Status, limit int) ([]Delivery, error) {
	if status == "" {
		query := fmt.Sprintf(`
			SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1
		`, deliveryColumns, s.tableName)
		return s.queryDeliveries(ctx, query, limit)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE status = $1 ORDER BY created_at DESC LIMIT $2
	`, deliveryColumns, s.tableName)
	return s.queryDeliveries(ctx, query, status, limit)
}

// CountDue returns the number of deliveries waiting to be attempted.
func (s *PostgresStore) CountDue(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE status IN ($1, $2)
	`, s.tableName)

	var count int
	if err := s.db.QueryRowContext(ctx, query, StatusPending, StatusRetrying).Scan(&count); err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return count, nil
}

// Close closes the database connection if owned by this store.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) queryDeliveries(ctx context.Context, query string, args ...interface{}) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(sc scanner) (Delivery, error) {
	var (
		d            Delivery
		payload      []byte
		attemptsJSON []byte
		httpStatus   sql.NullInt64
		lastError    sql.NullString
		nextRetryAt  sql.NullTime
		deliveredAt  sql.NullTime
	)

	err := sc.Scan(
		&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType, &d.URL,
		&payload, &d.Status, &d.Attempt, &d.MaxAttempts,
		&httpStatus, &lastError, &attemptsJSON,
		&d.ScheduledAt, &nextRetryAt, &deliveredAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return Delivery{}, err
	}

	d.Payload = json.RawMessage(payload)
	if httpStatus.Valid {
		status := int(httpStatus.Int64)
		d.HTTPStatus = &status
	}
	if lastError.Valid {
		d.LastError = lastError.String
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		d.NextRetryAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &d.Attempts); err != nil {
			return Delivery{}, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	return d, nil
}

func marshalAttempts(attempts []Attempt) ([]byte, error) {
	if attempts == nil {
		attempts = []Attempt{}
	}
	out, err := json.Marshal(attempts)
	if err != nil {
		return nil, fmt.Errorf("marshal attempts: %w", err)
	}
	return out, nil
}

func intPtr(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

// nullInt converts nil int pointers to SQL NULL.
func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
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

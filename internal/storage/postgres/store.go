package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/models"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage"
)

// PostgresStore implements the storage.Storer interface for PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ storage.Storer = (*PostgresStore)(nil)

// New creates a new PostgresStore and establishes a connection to the database.
// It also runs migrations to ensure the schema is up to date.
func New(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &PostgresStore{db: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// migrate ensures the database schema is created.
func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS monitors (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		name        TEXT NOT NULL,
		url         TEXT NOT NULL,
		frequency   INTEGER NOT NULL CHECK (frequency BETWEEN 60 AND 86400),
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		status      TEXT NOT NULL DEFAULT 'PENDING',
		last_check  TIMESTAMPTZ,
		next_check  TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_monitors_due ON monitors (next_check) WHERE is_active;

	CREATE TABLE IF NOT EXISTS ping_logs (
		id           TEXT PRIMARY KEY,
		monitor_id   TEXT NOT NULL,
		status_code  INTEGER NOT NULL,
		duration_ms  BIGINT NOT NULL,
		success      BOOLEAN NOT NULL,
		error        TEXT,
		timestamp    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_ping_logs_monitor_id_timestamp ON ping_logs (monitor_id, timestamp DESC);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// CreateMonitor implements the Storer interface.
func (s *PostgresStore) CreateMonitor(ctx context.Context, monitor *models.Monitor) (*models.Monitor, error) {
	m := *monitor
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.NextCheck.IsZero() {
		m.NextCheck = m.CreatedAt
	}

	query := `
	INSERT INTO monitors (id, user_id, name, url, frequency, is_active, status, last_check, next_check, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING`
	tag, err := s.db.Exec(ctx, query, m.ID, m.UserID, m.Name, m.URL, m.Frequency, m.IsActive,
		string(m.Status), m.LastCheck, m.NextCheck, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetMonitorByID(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve existing monitor: %w", err)
		}
		return existing, storage.ErrDuplicateKey
	}
	return &m, nil
}

// GetMonitorByID implements the Storer interface.
func (s *PostgresStore) GetMonitorByID(ctx context.Context, id string) (*models.Monitor, error) {
	query := `SELECT id, user_id, name, url, frequency, is_active, status, last_check, next_check, created_at FROM monitors WHERE id = $1`
	var m models.Monitor
	var status string
	err := s.db.QueryRow(ctx, query, id).Scan(&m.ID, &m.UserID, &m.Name, &m.URL, &m.Frequency,
		&m.IsActive, &status, &m.LastCheck, &m.NextCheck, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monitor by id: %w", err)
	}
	m.Status = models.Status(status)
	return &m, nil
}

// FindDue implements the Storer interface.
func (s *PostgresStore) FindDue(ctx context.Context, now time.Time) ([]models.DueMonitor, error) {
	query := `SELECT id, url, frequency, name FROM monitors WHERE is_active AND next_check <= $1 ORDER BY next_check, id`
	rows, err := s.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due monitors: %w", err)
	}
	defer rows.Close()

	var due []models.DueMonitor
	for rows.Next() {
		var m models.DueMonitor
		if err := rows.Scan(&m.ID, &m.URL, &m.Frequency, &m.Name); err != nil {
			return nil, fmt.Errorf("failed to scan monitor row: %w", err)
		}
		due = append(due, m)
	}
	return due, rows.Err()
}

// UpdateMonitor implements the Storer interface. The previous status is read
// under a row lock in the same statement.
func (s *PostgresStore) UpdateMonitor(ctx context.Context, id string, update models.MonitorUpdate) (models.Status, error) {
	query := `
	WITH previous AS (
		SELECT id, status FROM monitors WHERE id = $1 FOR UPDATE
	)
	UPDATE monitors m
	SET status = $2, last_check = $3, next_check = $4
	FROM previous
	WHERE m.id = previous.id
	RETURNING previous.status`
	var previous string
	err := s.db.QueryRow(ctx, query, id, string(update.Status), update.LastCheck, update.NextCheck).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to update monitor: %w", err)
	}
	return models.Status(previous), nil
}

// InsertPingLogs implements the Storer interface using the COPY protocol.
func (s *PostgresStore) InsertPingLogs(ctx context.Context, logs []models.PingLog) error {
	if len(logs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(logs))
	for _, l := range logs {
		id := l.ID
		if id == "" {
			id = uuid.NewString()
		}
		rows = append(rows, []any{id, l.MonitorID, l.StatusCode, l.DurationMs, l.Success, l.Error, l.Timestamp})
	}
	columns := []string{"id", "monitor_id", "status_code", "duration_ms", "success", "error", "timestamp"}
	if _, err := s.db.CopyFrom(ctx, pgx.Identifier{"ping_logs"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("failed to copy ping logs: %w", err)
	}
	return nil
}

// ListPingLogs implements the Storer interface.
func (s *PostgresStore) ListPingLogs(ctx context.Context, params storage.ListPingLogsParams) ([]models.PingLog, error) {
	query := `SELECT id, monitor_id, status_code, duration_ms, success, error, timestamp FROM ping_logs
	WHERE monitor_id = $1 AND ($2::timestamptz IS NULL OR timestamp > $2) ORDER BY timestamp DESC LIMIT $3`
	rows, err := s.db.Query(ctx, query, params.MonitorID, params.Since, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ping logs: %w", err)
	}
	defer rows.Close()

	var logs []models.PingLog
	for rows.Next() {
		var l models.PingLog
		if err := rows.Scan(&l.ID, &l.MonitorID, &l.StatusCode, &l.DurationMs, &l.Success, &l.Error, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan ping log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

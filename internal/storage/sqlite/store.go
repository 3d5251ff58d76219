package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/models"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage"
)

// Timestamps are stored as fixed-width UTC text so that string comparison
// in SQL matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the storage.Storer interface for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Storer = (*SQLiteStore)(nil)

// New creates a new SQLiteStore and establishes a connection to the database file.
// It also runs migrations to ensure the schema is up to date.
func New(ctx context.Context, dataSourceName string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dataSourceName)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// A single connection serializes writers; the scan processor and the
	// result buffer write concurrently.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// migrate ensures the database schema is created.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS monitors (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	url         TEXT NOT NULL,
	frequency   INTEGER NOT NULL,
	is_active   INTEGER NOT NULL DEFAULT 1,
	status      TEXT NOT NULL DEFAULT 'PENDING',
	last_check  TEXT,
	next_check  TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitors_due ON monitors (is_active, next_check);

CREATE TABLE IF NOT EXISTS ping_logs (
	id           TEXT PRIMARY KEY,
	monitor_id   TEXT NOT NULL,
	status_code  INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL,
	success      INTEGER NOT NULL,
	error        TEXT,
	timestamp    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ping_logs_monitor_id_timestamp ON ping_logs (monitor_id, timestamp DESC);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// CreateMonitor saves a new monitor. Missing ids and timestamps are filled in.
func (s *SQLiteStore) CreateMonitor(ctx context.Context, monitor *models.Monitor) (*models.Monitor, error) {
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

	var lastCheck *string
	if m.LastCheck != nil {
		v := formatTime(*m.LastCheck)
		lastCheck = &v
	}

	query := `
INSERT INTO monitors (id, user_id, name, url, frequency, is_active, status, last_check, next_check, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query, m.ID, m.UserID, m.Name, m.URL, m.Frequency, m.IsActive,
		string(m.Status), lastCheck, formatTime(m.NextCheck), formatTime(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert monitor: %w", err)
	}
	if rowsAffected, _ := res.RowsAffected(); rowsAffected == 0 {
		existing, err := s.GetMonitorByID(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve existing monitor: %w", err)
		}
		return existing, storage.ErrDuplicateKey
	}
	return &m, nil
}

// GetMonitorByID retrieves a single monitor by its unique ID.
func (s *SQLiteStore) GetMonitorByID(ctx context.Context, id string) (*models.Monitor, error) {
	query := `SELECT id, user_id, name, url, frequency, is_active, status, last_check, next_check, created_at FROM monitors WHERE id = ?`
	var (
		m                    models.Monitor
		status               string
		lastCheck            sql.NullString
		nextCheck, createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.UserID, &m.Name, &m.URL, &m.Frequency,
		&m.IsActive, &status, &lastCheck, &nextCheck, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monitor by id: %w", err)
	}
	m.Status = models.Status(status)
	if lastCheck.Valid {
		t := parseTime(lastCheck.String)
		m.LastCheck = &t
	}
	m.NextCheck = parseTime(nextCheck)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

// FindDue lists active monitors whose next_check is not after now.
func (s *SQLiteStore) FindDue(ctx context.Context, now time.Time) ([]models.DueMonitor, error) {
	query := `SELECT id, url, frequency, name FROM monitors WHERE is_active = 1 AND next_check <= ? ORDER BY next_check, id`
	rows, err := s.db.QueryContext(ctx, query, formatTime(now))
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

// UpdateMonitor writes status, last_check and next_check for one monitor.
func (s *SQLiteStore) UpdateMonitor(ctx context.Context, id string, update models.MonitorUpdate) (models.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT status FROM monitors WHERE id = ?`, id).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read monitor status: %w", err)
	}

	query := `UPDATE monitors SET status = ?, last_check = ?, next_check = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, string(update.Status), formatTime(update.LastCheck), formatTime(update.NextCheck), id); err != nil {
		return "", fmt.Errorf("failed to update monitor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return models.Status(previous), nil
}

// InsertPingLogs saves a batch of ping logs in one transaction.
func (s *SQLiteStore) InsertPingLogs(ctx context.Context, logs []models.PingLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ping_logs (id, monitor_id, status_code, duration_ms, success, error, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare ping log insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range logs {
		id := l.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx, id, l.MonitorID, l.StatusCode, l.DurationMs, l.Success, l.Error, formatTime(l.Timestamp)); err != nil {
			return fmt.Errorf("failed to insert ping log: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListPingLogs retrieves recent ping logs for a monitor, newest first.
func (s *SQLiteStore) ListPingLogs(ctx context.Context, params storage.ListPingLogsParams) ([]models.PingLog, error) {
	args := []interface{}{params.MonitorID}
	qb := strings.Builder{}
	qb.WriteString("SELECT id, monitor_id, status_code, duration_ms, success, error, timestamp FROM ping_logs WHERE monitor_id = ?")
	if params.Since != nil {
		args = append(args, formatTime(*params.Since))
		qb.WriteString(" AND timestamp > ?")
	}
	qb.WriteString(" ORDER BY timestamp DESC LIMIT ?")
	args = append(args, params.Limit)
	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ping logs: %w", err)
	}
	defer rows.Close()
	var logs []models.PingLog
	for rows.Next() {
		var l models.PingLog
		var ts string
		if err := rows.Scan(&l.ID, &l.MonitorID, &l.StatusCode, &l.DurationMs, &l.Success, &l.Error, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan ping log row: %w", err)
		}
		l.Timestamp = parseTime(ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

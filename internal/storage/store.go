package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/models"
)

var (
	// ErrDuplicateKey is returned when attempting to create a duplicate resource
	ErrDuplicateKey = errors.New("duplicate")
	// ErrNotFound is returned when a requested resource is not found
	ErrNotFound = errors.New("not found")
)

// ListPingLogsParams contains parameters for listing the ping logs of one monitor
type ListPingLogsParams struct {
	MonitorID string
	Since     *time.Time
	Limit     int
}

// MonitorScheduler is the narrow view of the store used by the scan processor.
type MonitorScheduler interface {
	// FindDue returns active monitors whose next check is at or before now.
	FindDue(ctx context.Context, now time.Time) ([]models.DueMonitor, error)
	// UpdateMonitor writes the post-probe scheduling state and returns the
	// status the monitor had before the update.
	UpdateMonitor(ctx context.Context, id string, update models.MonitorUpdate) (models.Status, error)
}

// PingLogWriter persists batches of probe results.
type PingLogWriter interface {
	InsertPingLogs(ctx context.Context, logs []models.PingLog) error
}

// Storer defines the interface for storage operations on monitors and ping logs
type Storer interface {
	MonitorScheduler
	PingLogWriter

	CreateMonitor(ctx context.Context, monitor *models.Monitor) (*models.Monitor, error)
	GetMonitorByID(ctx context.Context, id string) (*models.Monitor, error)
	ListPingLogs(ctx context.Context, params ListPingLogsParams) ([]models.PingLog, error)

	Close() error
}

package models

import "time"

// Check frequency bounds, in seconds.
const (
	MinFrequency = 60
	MaxFrequency = 86400
)

// Status is the health state of a Monitor, derived from its most recent probe.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusUp      Status = "UP"
	StatusDown    Status = "DOWN"
)

// StatusFor maps a probe outcome to a monitor status.
func StatusFor(success bool) Status {
	if success {
		return StatusUp
	}
	return StatusDown
}

// Monitor represents a user-registered URL that is checked periodically.
type Monitor struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	URL       string     `json:"url"`
	Frequency int        `json:"frequency"` // seconds between checks
	IsActive  bool       `json:"is_active"`
	Status    Status     `json:"status"`
	LastCheck *time.Time `json:"last_check"` // nil until the first probe completes
	NextCheck time.Time  `json:"next_check"`
	CreatedAt time.Time  `json:"created_at"`
}

// DueMonitor is the projection loaded when discovering monitors due for a check.
type DueMonitor struct {
	ID        string
	URL       string
	Frequency int
	Name      string
}

// Interval returns the check frequency as a duration.
func (m DueMonitor) Interval() time.Duration {
	return time.Duration(m.Frequency) * time.Second
}

// MonitorUpdate carries the scheduling state written after each probe.
type MonitorUpdate struct {
	Status    Status
	LastCheck time.Time
	NextCheck time.Time
}

// PingLog stores the outcome of a single probe of a Monitor.
type PingLog struct {
	ID         string    `json:"id"`
	MonitorID  string    `json:"monitor_id"`
	StatusCode int       `json:"status_code"` // 0 when no HTTP response was received
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      *string   `json:"error"` // nil on success
	Timestamp  time.Time `json:"timestamp"`
}

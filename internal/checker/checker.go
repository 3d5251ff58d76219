package checker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/models"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage"
)

// Prober performs a single health check.
type Prober interface {
	Check(ctx context.Context, url string) (ProbeResult, error)
}

// Recorder accepts probe results for deferred persistence.
type Recorder interface {
	Add(entry models.PingLog) bool
}

// StatusChange describes a monitor whose status differs from the one it had
// before its latest probe.
type StatusChange struct {
	MonitorID string
	Name      string
	URL       string
	From      models.Status
	To        models.Status
	At        time.Time
	Log       models.PingLog
}

// StatusObserver is notified of every status transition the processor writes.
type StatusObserver interface {
	StatusChanged(ctx context.Context, change StatusChange)
}

// LogObserver reports transitions to a logger and nothing else.
type LogObserver struct {
	Logger *slog.Logger
}

// StatusChanged implements StatusObserver.
func (o LogObserver) StatusChanged(_ context.Context, change StatusChange) {
	level := slog.LevelInfo
	if change.To == models.StatusDown {
		level = slog.LevelWarn
	}
	o.Logger.Log(context.Background(), level, "monitor status changed",
		slog.String("monitor_id", change.MonitorID),
		slog.String("name", change.Name),
		slog.String("from", string(change.From)),
		slog.String("to", string(change.To)),
	)
}

// Processor turns one scan tick into probes of every due monitor.
type Processor struct {
	store       storage.MonitorScheduler
	prober      Prober
	recorder    Recorder
	observer    StatusObserver
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithConcurrency caps the number of monitors processed at once.
func WithConcurrency(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithObserver sets the status transition observer.
func WithObserver(o StatusObserver) ProcessorOption {
	return func(p *Processor) { p.observer = o }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a new Processor.
func NewProcessor(store storage.MonitorScheduler, prober Prober, recorder Recorder, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		prober:      prober,
		recorder:    recorder,
		concurrency: 16,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.observer == nil {
		p.observer = LogObserver{Logger: logger}
	}
	return p
}

// tickSummary counts per-monitor outcomes of one Run.
type tickSummary struct {
	up, down, updateErrors, rejected atomic.Int64
}

// Run executes one scan tick. It returns an error only when due monitors
// could not be loaded; failures of individual monitors are logged.
func (p *Processor) Run(ctx context.Context) error {
	start := p.now()
	due, err := p.store.FindDue(ctx, start)
	if err != nil {
		return fmt.Errorf("failed to load due monitors: %w", err)
	}
	if len(due) == 0 {
		p.logger.Debug("no monitors due")
		return nil
	}

	// A started scan runs to completion even if the caller gives up.
	workCtx := context.WithoutCancel(ctx)
	var summary tickSummary

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, m := range due {
		g.Go(func() error {
			p.process(workCtx, m, &summary)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("scan completed",
		slog.Int("due", len(due)),
		slog.Int64("up", summary.up.Load()),
		slog.Int64("down", summary.down.Load()),
		slog.Int64("update_errors", summary.updateErrors.Load()),
		slog.Int64("rejected_results", summary.rejected.Load()),
		slog.Duration("elapsed", p.now().Sub(start)),
	)
	return nil
}

// process probes one monitor, records the result and advances its schedule.
func (p *Processor) process(ctx context.Context, m models.DueMonitor, summary *tickSummary) {
	result, err := p.safeCheck(ctx, m.URL)
	if err != nil {
		p.logger.Warn("probe could not be performed",
			slog.String("monitor_id", m.ID),
			slog.String("url", m.URL),
			slog.String("error", err.Error()),
		)
		result = ProbeResult{Success: false, StatusCode: 0, DurationMs: 0, Error: err.Error()}
	}
	checkedAt := p.now()

	entry := models.PingLog{
		ID:         uuid.NewString(),
		MonitorID:  m.ID,
		StatusCode: result.StatusCode,
		DurationMs: result.DurationMs,
		Success:    result.Success,
		Timestamp:  checkedAt,
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "check failed"
		}
		entry.Error = &msg
	}
	if !p.recorder.Add(entry) {
		summary.rejected.Add(1)
		p.logger.Warn("ping log rejected by buffer", slog.String("monitor_id", m.ID))
	}

	status := models.StatusFor(result.Success)
	if result.Success {
		summary.up.Add(1)
	} else {
		summary.down.Add(1)
	}

	update := models.MonitorUpdate{
		Status:    status,
		LastCheck: checkedAt,
		NextCheck: checkedAt.Add(m.Interval()),
	}
	previous, err := p.store.UpdateMonitor(ctx, m.ID, update)
	if err != nil {
		summary.updateErrors.Add(1)
		p.logger.Error("failed to update monitor",
			slog.String("monitor_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if previous != status {
		p.observer.StatusChanged(ctx, StatusChange{
			MonitorID: m.ID,
			Name:      m.Name,
			URL:       m.URL,
			From:      previous,
			To:        status,
			At:        checkedAt,
			Log:       entry,
		})
	}
}

// safeCheck calls the prober with panic recovery so that a misbehaving probe
// still leaves the monitor with a recorded failure and an advanced schedule.
func (p *Processor) safeCheck(ctx context.Context, url string) (result ProbeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			p.logger.Error("probe panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("probe panic (correlation_id: %s)", correlationID)
		}
	}()
	return p.prober.Check(ctx, url)
}

package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/models"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage"
)

// Config sizes the buffer and its background tasks.
type Config struct {
	Capacity            int
	FlushInterval       time.Duration
	StatsInterval       time.Duration
	FlushTimeout        time.Duration
	HighWaterMark       float64 // utilization that triggers an early flush
	CriticalUtilization float64 // utilization above which HealthCheck fails
	MaxRetries          int     // failed flush attempts before entries are dropped
	RetryBackoff        time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Capacity:            1000,
		FlushInterval:       5 * time.Second,
		StatsInterval:       time.Minute,
		FlushTimeout:        10 * time.Second,
		HighWaterMark:       0.8,
		CriticalUtilization: 0.9,
		MaxRetries:          3,
		RetryBackoff:        time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = def.StatsInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = def.FlushTimeout
	}
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = def.HighWaterMark
	}
	if c.CriticalUtilization <= 0 {
		c.CriticalUtilization = def.CriticalUtilization
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	return c
}

// entry is a ping log staged for insertion plus the number of failed
// flushes it has been part of.
type entry struct {
	log      models.PingLog
	attempts int
}

// Stats is a point-in-time view of the buffer counters.
type Stats struct {
	TotalAdded    int64     `json:"totalAdded"`
	TotalFlushed  int64     `json:"totalFlushed"`
	TotalDropped  int64     `json:"totalDropped"`
	CurrentSize   int       `json:"currentSize"`
	InFlight      int       `json:"inFlight"`
	Capacity      int       `json:"capacity"`
	Flushes       int64     `json:"flushes"`
	FailedFlushes int64     `json:"failedFlushes"`
	LastFlushAt   time.Time `json:"lastFlushAt"`
	LastError     string    `json:"lastError,omitempty"`
}

// FlushResult reports the outcome of one flush.
type FlushResult struct {
	Flushed  int           `json:"flushed"`
	Requeued int           `json:"requeued"`
	Dropped  int           `json:"dropped"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Buffer is a write-back cache of ping logs flushed to storage in batches.
type Buffer struct {
	cfg    Config
	writer storage.PingLogWriter
	logger *slog.Logger

	mu            sync.Mutex
	pending       []entry
	inFlight      int
	totalAdded    int64
	totalFlushed  int64
	totalDropped  int64
	flushes       int64
	failedFlushes int64
	lastFlushAt   time.Time
	lastFailureAt time.Time
	lastError     string
	closed        bool

	// flushMu serializes flushes so concurrent triggers do not issue
	// redundant store calls.
	flushMu sync.Mutex

	flushSignal chan struct{}
	// stop ends the background loops without cancelling a write in progress.
	stop        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// New creates a Buffer and starts its periodic flush and stats tasks.
// Close must be called to stop them.
func New(writer storage.PingLogWriter, cfg Config, logger *slog.Logger) *Buffer {
	cfg = cfg.withDefaults()
	b := &Buffer{
		cfg:         cfg,
		writer:      writer,
		logger:      logger,
		pending:     make([]entry, 0, cfg.Capacity),
		flushSignal: make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}

	b.wg.Add(2)
	go b.flushLoop()
	go b.statsLoop()
	return b
}

func validateEntry(log models.PingLog) error {
	return validation.ValidateStruct(&log,
		validation.Field(&log.MonitorID, validation.Required),
		validation.Field(&log.DurationMs, validation.Min(int64(0))),
		validation.Field(&log.Timestamp, validation.Required),
	)
}

// Add stages a ping log. It returns false, changing nothing, when the entry
// is invalid or the buffer is closed. When the buffer is full an immediate
// flush is attempted before the entry is accepted.
func (b *Buffer) Add(log models.PingLog) bool {
	if err := validateEntry(log); err != nil {
		b.logger.Debug("rejected ping log", slog.String("error", err.Error()))
		return false
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	full := len(b.pending) >= b.cfg.Capacity
	recentlyFailed := !b.lastFailureAt.IsZero() && time.Since(b.lastFailureAt) < b.cfg.RetryBackoff
	b.mu.Unlock()

	if full && !recentlyFailed {
		b.flushWith(context.Background(), false)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, entry{log: log})
	b.totalAdded++
	size := len(b.pending)
	b.mu.Unlock()

	if float64(size) >= b.cfg.HighWaterMark*float64(b.cfg.Capacity) {
		select {
		case b.flushSignal <- struct{}{}:
		default:
		}
	}
	return true
}

// Flush writes every pending entry in one batch. It waits for a flush that
// is already running, then flushes whatever is pending.
func (b *Buffer) Flush(ctx context.Context) FlushResult {
	return b.flushWith(ctx, true)
}

// ForceFlush flushes outside the timer cadence, for operational triggers.
func (b *Buffer) ForceFlush(ctx context.Context) FlushResult {
	res := b.Flush(ctx)
	b.logger.Info("forced flush",
		slog.Int("flushed", res.Flushed),
		slog.Int("requeued", res.Requeued),
		slog.Int("dropped", res.Dropped),
	)
	return res
}

// flushWith runs one flush cycle. With wait false it gives up immediately
// if another flush holds the flush lock.
func (b *Buffer) flushWith(ctx context.Context, wait bool) FlushResult {
	if wait {
		b.flushMu.Lock()
	} else if !b.flushMu.TryLock() {
		return FlushResult{}
	}
	defer b.flushMu.Unlock()

	start := time.Now()

	b.mu.Lock()
	batch := b.pending
	b.pending = make([]entry, 0, b.cfg.Capacity)
	b.inFlight = len(batch)
	b.mu.Unlock()

	if len(batch) == 0 {
		return FlushResult{}
	}

	logs := make([]models.PingLog, len(batch))
	for i, e := range batch {
		logs[i] = e.log
	}

	writeCtx, cancel := context.WithTimeout(ctx, b.cfg.FlushTimeout)
	err := b.write(writeCtx, logs)
	cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight = 0
	b.flushes++
	b.lastFlushAt = time.Now()

	if err == nil {
		b.totalFlushed += int64(len(batch))
		b.lastError = ""
		return FlushResult{Flushed: len(batch), Duration: time.Since(start)}
	}

	b.failedFlushes++
	b.lastFailureAt = b.lastFlushAt
	b.lastError = err.Error()

	// A write abandoned because the caller gave up says nothing about the
	// store, so it does not count against the entries' retry budget.
	abandoned := ctx.Err() != nil

	// Retry survivors go ahead of entries added during the write so the
	// next batch keeps insertion order.
	retry := make([]entry, 0, len(batch)+len(b.pending))
	dropped := 0
	for _, e := range batch {
		if abandoned {
			retry = append(retry, e)
			continue
		}
		e.attempts++
		if e.attempts >= b.cfg.MaxRetries {
			dropped++
			continue
		}
		retry = append(retry, e)
	}
	requeued := len(retry)
	b.pending = append(retry, b.pending...)
	b.totalDropped += int64(dropped)

	b.logger.Error("flush failed",
		slog.Int("batch", len(batch)),
		slog.Int("requeued", requeued),
		slog.Int("dropped", dropped),
		slog.String("error", err.Error()),
	)
	return FlushResult{
		Requeued: requeued,
		Dropped:  dropped,
		Duration: time.Since(start),
		Error:    err.Error(),
	}
}

// write calls the store, turning a panic into an error.
func (b *Buffer) write(ctx context.Context, logs []models.PingLog) (err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			b.logger.Error("ping log writer panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
			)
			err = fmt.Errorf("writer panic (correlation_id: %s)", correlationID)
		}
	}()
	if b.writer == nil {
		return errors.New("no ping log writer configured")
	}
	return b.writer.InsertPingLogs(ctx, logs)
}

// Stats returns the current counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		TotalAdded:    b.totalAdded,
		TotalFlushed:  b.totalFlushed,
		TotalDropped:  b.totalDropped,
		CurrentSize:   len(b.pending),
		InFlight:      b.inFlight,
		Capacity:      b.cfg.Capacity,
		Flushes:       b.flushes,
		FailedFlushes: b.failedFlushes,
		LastFlushAt:   b.lastFlushAt,
		LastError:     b.lastError,
	}
}

// Utilization returns pending entries as a fraction of capacity. It can
// exceed 1 while the store is rejecting flushes.
func (b *Buffer) Utilization() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(len(b.pending)) / float64(b.cfg.Capacity)
}

// HealthCheck reports false while utilization is above the critical threshold.
func (b *Buffer) HealthCheck() bool {
	return b.Utilization() <= b.cfg.CriticalUtilization
}

// flushLoop writes with a background context so that Close waits for an
// in-flight write instead of failing it.
func (b *Buffer) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush(context.Background())
		case <-b.flushSignal:
			b.Flush(context.Background())
		case <-b.stop:
			return
		}
	}
}

func (b *Buffer) statsLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := b.Stats()
			b.logger.Info("result buffer stats",
				slog.Int64("total_added", s.TotalAdded),
				slog.Int64("total_flushed", s.TotalFlushed),
				slog.Int64("total_dropped", s.TotalDropped),
				slog.Int("current_size", s.CurrentSize),
				slog.Float64("utilization", float64(s.CurrentSize)/float64(s.Capacity)),
			)
		case <-b.stop:
			return
		}
	}
}

// Close refuses further entries, waits for a running flush to finish and
// flushes what is left. The result covers everything written or dropped
// since Close was called; Requeued counts entries that remain unwritten.
func (b *Buffer) Close(ctx context.Context) FlushResult {
	var res FlushResult
	b.closeOnce.Do(func() {
		start := time.Now()
		b.mu.Lock()
		b.closed = true
		flushedBefore, droppedBefore := b.totalFlushed, b.totalDropped
		b.mu.Unlock()

		close(b.stop)
		b.wg.Wait()
		final := b.Flush(ctx)

		b.mu.Lock()
		res = FlushResult{
			Flushed:  int(b.totalFlushed - flushedBefore),
			Requeued: len(b.pending),
			Dropped:  int(b.totalDropped - droppedBefore),
			Duration: time.Since(start),
			Error:    final.Error,
		}
		b.mu.Unlock()

		b.logger.Info("result buffer closed",
			slog.Int("flushed", res.Flushed),
			slog.Int("dropped", res.Dropped),
			slog.Int("unflushed", res.Requeued),
		)
	})
	return res
}

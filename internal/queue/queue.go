package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStopped is returned by RunNow once the queue has been stopped.
var ErrStopped = errors.New("queue stopped")

// Handler is one invocation of the recurring job.
type Handler func(ctx context.Context) error

// Locker guards a job across processes. TryLock returns acquired=false
// when another holder has the lock; release is nil in that case.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// LocalLocker is the Locker for a single process; it always succeeds.
type LocalLocker struct{}

// TryLock implements Locker.
func (LocalLocker) TryLock(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}

// RetryPolicy is an exponential backoff schedule.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Backoff returns the wait before the given retry (1-based).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Config describes the cadence and retry behaviour of a queue.
type Config struct {
	Name       string
	Interval   time.Duration
	JobTimeout time.Duration
	Retry      RetryPolicy
	DeadLetter RetryPolicy
	// MaxDeadLetters bounds how many exhausted invocations are kept.
	MaxDeadLetters int
}

// DefaultConfig returns a queue ticking every 30s, retrying three times from
// one second and dead-lettering with five attempts from thirty seconds.
func DefaultConfig() Config {
	return Config{
		Name:           "scan-monitors",
		Interval:       30 * time.Second,
		JobTimeout:     5 * time.Minute,
		Retry:          RetryPolicy{Attempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Minute},
		DeadLetter:     RetryPolicy{Attempts: 5, InitialBackoff: 30 * time.Second, MaxBackoff: 30 * time.Minute},
		MaxDeadLetters: 100,
	}
}

// Invocation is one scheduled run of the job and its failure history.
type Invocation struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	FailedAt    time.Time `json:"failedAt,omitempty"`
}

// Stats counts queue activity.
type Stats struct {
	Ticks          int64        `json:"ticks"`
	Coalesced      int64        `json:"coalesced"`
	LockedOut      int64        `json:"lockedOut"`
	Succeeded      int64        `json:"succeeded"`
	Failed         int64        `json:"failed"`
	Retries        int64        `json:"retries"`
	DeadLettered   int64        `json:"deadLettered"`
	DeadRecovered  int64        `json:"deadRecovered"`
	DeadExhausted  int64        `json:"deadExhausted"`
	DeadLetterSize int          `json:"deadLetterSize"`
	LastRunAt      time.Time    `json:"lastRunAt"`
	LastSuccessAt  time.Time    `json:"lastSuccessAt"`
	Exhausted      []Invocation `json:"exhausted,omitempty"`
}

// Queue invokes a handler on a fixed cadence, one invocation at a time,
// retrying failures with backoff and routing exhausted invocations to a
// dead-letter queue with its own retry policy.
type Queue struct {
	cfg     Config
	handler Handler
	locker  Locker
	logger  *slog.Logger

	// runMu makes invocations from the ticker and the dead-letter worker
	// mutually exclusive.
	runMu sync.Mutex

	dead chan Invocation

	mu        sync.Mutex
	stats     Stats
	exhausted []Invocation
	started   bool
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Queue. A nil locker means LocalLocker.
func New(cfg Config, handler Handler, locker Locker, logger *slog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.DeadLetter.Attempts <= 0 {
		cfg.DeadLetter = def.DeadLetter
	}
	if cfg.MaxDeadLetters <= 0 {
		cfg.MaxDeadLetters = def.MaxDeadLetters
	}
	if locker == nil {
		locker = LocalLocker{}
	}
	return &Queue{
		cfg:     cfg,
		handler: handler,
		locker:  locker,
		logger:  logger.With(slog.String("queue", cfg.Name)),
		dead:    make(chan Invocation, cfg.MaxDeadLetters),
	}
}

// Start launches the ticker and dead-letter workers. The first invocation
// runs immediately. Start is idempotent and a no-op after Stop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)
	runCtx := q.ctx
	q.wg.Add(2)
	q.mu.Unlock()

	go q.tickLoop(runCtx)
	go q.deadLetterLoop(runCtx)
	q.logger.Info("queue started", slog.Duration("interval", q.cfg.Interval))
}

// Stop cancels pending retries and waits for the running invocation.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		if q.cancel != nil {
			q.cancel()
		}
	}
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("queue stopped")
}

// RunNow performs one invocation synchronously with the normal retry
// policy, for manual triggers.
func (q *Queue) RunNow(ctx context.Context) error {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	inv := q.newInvocation()
	return q.execute(ctx, &inv, q.cfg.Retry, false)
}

func (q *Queue) newInvocation() Invocation {
	return Invocation{ID: uuid.NewString(), ScheduledAt: time.Now()}
}

func (q *Queue) tickLoop(ctx context.Context) {
	defer q.wg.Done()

	q.tick(ctx)

	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// tick runs one scheduled invocation unless the previous one is still
// running, in which case the tick is coalesced into it.
func (q *Queue) tick(ctx context.Context) {
	q.count(func(s *Stats) { s.Ticks++ })
	if !q.runMu.TryLock() {
		q.count(func(s *Stats) { s.Coalesced++ })
		q.logger.Debug("previous invocation still running, tick coalesced")
		return
	}

	// runMu is already held for the first attempt.
	inv := q.newInvocation()
	if err := q.execute(ctx, &inv, q.cfg.Retry, true); err != nil {
		if ctx.Err() != nil {
			return
		}
		q.deadLetter(inv)
	}
}

// execute runs the handler under runMu and the distributed lock, retrying
// per policy. It returns the last error once attempts are exhausted. When
// held is true the caller already owns runMu for the first attempt; runMu
// is never held across a backoff.
func (q *Queue) execute(ctx context.Context, inv *Invocation, policy RetryPolicy, held bool) error {
	for {
		if !held {
			q.runMu.Lock()
		}
		held = false
		inv.Attempts++
		err := q.runOnce(ctx)
		q.runMu.Unlock()
		if err == nil {
			q.count(func(s *Stats) {
				s.Succeeded++
				s.LastSuccessAt = time.Now()
			})
			return nil
		}
		if errors.Is(err, errLocked) {
			return nil
		}

		inv.LastError = err.Error()
		inv.FailedAt = time.Now()
		q.count(func(s *Stats) { s.Failed++ })
		q.logger.Warn("invocation failed",
			slog.String("invocation_id", inv.ID),
			slog.Int("attempt", inv.Attempts),
			slog.String("error", err.Error()),
		)

		retry := inv.Attempts
		if retry >= policy.Attempts {
			return err
		}
		q.count(func(s *Stats) { s.Retries++ })
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Backoff(retry)):
		}
	}
}

var errLocked = errors.New("job locked by another worker")

// runOnce must be called with runMu held.
func (q *Queue) runOnce(ctx context.Context) (err error) {
	release, acquired, err := q.locker.TryLock(ctx, q.cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to take job lock: %w", err)
	}
	if !acquired {
		q.count(func(s *Stats) { s.LockedOut++ })
		q.logger.Debug("job held by another worker")
		return errLocked
	}
	defer release()

	q.count(func(s *Stats) { s.LastRunAt = time.Now() })

	runCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			q.logger.Error("job panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("job panic (correlation_id: %s)", correlationID)
		}
	}()
	return q.handler(runCtx)
}

func (q *Queue) deadLetter(inv Invocation) {
	inv.Attempts = 0
	select {
	case q.dead <- inv:
		q.count(func(s *Stats) { s.DeadLettered++ })
		q.logger.Error("invocation moved to dead-letter queue",
			slog.String("invocation_id", inv.ID),
			slog.String("error", inv.LastError),
		)
	default:
		q.recordExhausted(inv)
		q.logger.Error("dead-letter queue full, invocation discarded",
			slog.String("invocation_id", inv.ID),
		)
	}
}

func (q *Queue) deadLetterLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case inv := <-q.dead:
			// the first dead-letter attempt also waits its backoff
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.cfg.DeadLetter.InitialBackoff):
			}
			if err := q.execute(ctx, &inv, q.cfg.DeadLetter, false); err != nil {
				if ctx.Err() != nil {
					return
				}
				q.recordExhausted(inv)
				q.logger.Error("dead-letter retries exhausted",
					slog.String("invocation_id", inv.ID),
					slog.Int("attempts", inv.Attempts),
					slog.String("error", inv.LastError),
				)
				continue
			}
			q.count(func(s *Stats) { s.DeadRecovered++ })
		}
	}
}

func (q *Queue) recordExhausted(inv Invocation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats.DeadExhausted++
	q.exhausted = append(q.exhausted, inv)
	if len(q.exhausted) > q.cfg.MaxDeadLetters {
		q.exhausted = q.exhausted[len(q.exhausted)-q.cfg.MaxDeadLetters:]
	}
}

func (q *Queue) count(f func(*Stats)) {
	q.mu.Lock()
	f(&q.stats)
	q.mu.Unlock()
}

// Stats returns a snapshot of the counters and exhausted invocations.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.DeadLetterSize = len(q.dead)
	s.Exhausted = append([]Invocation(nil), q.exhausted...)
	return s
}

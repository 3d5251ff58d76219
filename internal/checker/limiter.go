package checker

import (
	"context"
	"sync"
)

// OriginLimiter bounds the number of concurrent checks per origin.
// Unlike a plain mutex map it lets up to limit checks share an origin and
// makes callers wait for a free slot instead of skipping the check.
type OriginLimiter struct {
	mu      sync.Mutex
	limit   int
	origins map[string]*originSlots
}

type originSlots struct {
	slots   chan struct{}
	waiting int
}

// NewOriginLimiter creates a new OriginLimiter allowing limit concurrent
// holders per origin. A limit below 1 is treated as 1.
func NewOriginLimiter(limit int) *OriginLimiter {
	if limit < 1 {
		limit = 1
	}
	return &OriginLimiter{
		limit:   limit,
		origins: make(map[string]*originSlots),
	}
}

func (l *OriginLimiter) slotsFor(origin string) *originSlots {
	s, ok := l.origins[origin]
	if !ok {
		s = &originSlots{slots: make(chan struct{}, l.limit)}
		l.origins[origin] = s
	}
	return s
}

// Acquire blocks until a slot for origin is free or ctx is done.
func (l *OriginLimiter) Acquire(ctx context.Context, origin string) error {
	l.mu.Lock()
	s := l.slotsFor(origin)
	select {
	case s.slots <- struct{}{}:
		l.mu.Unlock()
		return nil
	default:
	}
	s.waiting++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		s.waiting--
		l.mu.Unlock()
	}()

	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot previously taken with Acquire.
func (l *OriginLimiter) Release(origin string) {
	l.mu.Lock()
	s, ok := l.origins[origin]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-s.slots:
	default:
	}
}

// InUse returns the number of held slots and waiting callers for origin.
func (l *OriginLimiter) InUse(origin string) (held, waiting int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.origins[origin]
	if !ok {
		return 0, 0
	}
	return len(s.slots), s.waiting
}

// Forget drops the bookkeeping for an idle origin. It reports false and
// keeps the entry if any slot is held or awaited.
func (l *OriginLimiter) Forget(origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.origins[origin]
	if !ok {
		return true
	}
	if len(s.slots) > 0 || s.waiting > 0 {
		return false
	}
	delete(l.origins, origin)
	return true
}

// Limit returns the per-origin slot count.
func (l *OriginLimiter) Limit() int {
	return l.limit
}

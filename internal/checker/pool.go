package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/urlutil"
)

var (
	// ErrPoolExhausted is returned when no connection slot frees up within
	// the acquire timeout.
	ErrPoolExhausted = errors.New("probe pool exhausted")
	// ErrPoolClosed is returned by Check after Close.
	ErrPoolClosed = errors.New("probe pool closed")
)

// at most this much of a response body is read so the connection can be reused
const maxDrainBytes = 64 << 10

// PoolConfig sizes the probe pool.
type PoolConfig struct {
	Timeout           time.Duration
	UserAgent         string
	MaxConns          int
	MaxConnsPerOrigin int
	MaxIdlePerOrigin  int
	IdleTimeout       time.Duration
	AcquireTimeout    time.Duration
	MaxRedirects      int
}

// DefaultPoolConfig returns the settings used when none are configured.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Timeout:           10 * time.Second,
		UserAgent:         "UptimeMonitor/1.0 (+health-check)",
		MaxConns:          100,
		MaxConnsPerOrigin: 4,
		MaxIdlePerOrigin:  2,
		IdleTimeout:       90 * time.Second,
		AcquireTimeout:    5 * time.Second,
		MaxRedirects:      5,
	}
}

// ProbeResult is the outcome of one health-check request.
type ProbeResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// PoolStats summarizes pool occupancy across all origins.
type PoolStats struct {
	Origins   int   `json:"origins"`
	Active    int64 `json:"active"`
	Idle      int64 `json:"idle"`
	Queued    int64 `json:"queued"`
	Open      int64 `json:"open"`
	MaxConns  int   `json:"maxConns"`
	Requests  int64 `json:"requests"`
	Failures  int64 `json:"failures"`
	Exhausted int64 `json:"exhausted"`
}

// OriginInfo describes the pool kept for a single origin.
type OriginInfo struct {
	Origin   string    `json:"origin"`
	MaxConns int       `json:"maxConns"`
	MaxIdle  int       `json:"maxIdle"`
	Active   int       `json:"active"`
	Queued   int       `json:"queued"`
	Open     int64     `json:"open"`
	Idle     int64     `json:"idle"`
	Requests int64     `json:"requests"`
	Failures int64     `json:"failures"`
	LastUsed time.Time `json:"lastUsed"`
}

// originPool owns the transport, and therefore the reusable connections,
// of one scheme://host:port.
type originPool struct {
	origin    string
	transport *http.Transport
	client    *http.Client
	open      atomic.Int64
	requests  atomic.Int64
	failures  atomic.Int64
	lastUsed  atomic.Int64
}

func (o *originPool) touch() {
	o.lastUsed.Store(time.Now().UnixNano())
}

// trackedConn decrements the origin's open count once when closed.
type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *trackedConn) Close() error {
	c.once.Do(c.onClose)
	return c.Conn.Close()
}

// ProbePool performs outbound health checks with connections pooled per
// origin, a global concurrency ceiling and a per-origin ceiling.
type ProbePool struct {
	cfg     PoolConfig
	logger  *slog.Logger
	global  *semaphore.Weighted
	limiter *OriginLimiter

	mu      sync.RWMutex
	origins map[string]*originPool
	closed  bool

	inflight sync.WaitGroup
	active   atomic.Int64
	queued   atomic.Int64

	requests  atomic.Int64
	failures  atomic.Int64
	exhausted atomic.Int64

	stopJanitor chan struct{}
	janitorDone sync.WaitGroup
	closeOnce   sync.Once
}

// NewProbePool creates the pool and starts its idle-origin janitor.
// Zero fields in cfg fall back to DefaultPoolConfig.
func NewProbePool(cfg PoolConfig, logger *slog.Logger) *ProbePool {
	def := DefaultPoolConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = def.MaxConns
	}
	if cfg.MaxConnsPerOrigin <= 0 {
		cfg.MaxConnsPerOrigin = def.MaxConnsPerOrigin
	}
	if cfg.MaxIdlePerOrigin <= 0 {
		cfg.MaxIdlePerOrigin = def.MaxIdlePerOrigin
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}

	p := &ProbePool{
		cfg:         cfg,
		logger:      logger,
		global:      semaphore.NewWeighted(int64(cfg.MaxConns)),
		limiter:     NewOriginLimiter(cfg.MaxConnsPerOrigin),
		origins:     make(map[string]*originPool),
		stopJanitor: make(chan struct{}),
	}

	p.janitorDone.Add(1)
	go p.janitor()
	return p
}

// Config returns the effective pool configuration.
func (p *ProbePool) Config() PoolConfig {
	return p.cfg
}

// originPool returns the pool for origin, creating it on first use, and
// registers the caller as in flight so Close can wait for it.
func (p *ProbePool) originPool(origin string) (*originPool, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	op, exists := p.origins[origin]
	if exists {
		op.touch()
		p.inflight.Add(1)
		p.mu.RUnlock()
		return op, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	// Double-check: another goroutine may have created it
	if op, exists = p.origins[origin]; !exists {
		op = p.newOriginPool(origin)
		p.origins[origin] = op
	}
	op.touch()
	p.inflight.Add(1)
	return op, nil
}

func (p *ProbePool) newOriginPool(origin string) *originPool {
	op := &originPool{origin: origin}
	dialer := &net.Dialer{
		Timeout:   p.cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}
	op.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			op.open.Add(1)
			return &trackedConn{Conn: conn, onClose: func() { op.open.Add(-1) }}, nil
		},
		MaxIdleConns:        p.cfg.MaxIdlePerOrigin,
		MaxIdleConnsPerHost: p.cfg.MaxIdlePerOrigin,
		MaxConnsPerHost:     p.cfg.MaxConnsPerOrigin,
		IdleConnTimeout:     p.cfg.IdleTimeout,
		TLSHandshakeTimeout: p.cfg.Timeout,
		ForceAttemptHTTP2:   true,
	}
	maxRedirects := p.cfg.MaxRedirects
	op.client = &http.Client{
		// no client timeout, the per-request context carries it
		Transport: op.transport,
		// Redirects leaving the origin are not followed: the target would
		// bypass its own origin's limits. The redirect itself is the result.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			if target, err := urlutil.Origin(req.URL.String()); err != nil || target != origin {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return op
}

// Check issues a GET against rawURL. Network, DNS and timeout failures are
// reported inside the result. An error is returned only when the check could
// not be attempted: invalid URL, exhausted or closed pool.
func (p *ProbePool) Check(ctx context.Context, rawURL string) (ProbeResult, error) {
	origin, err := urlutil.Origin(rawURL)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("invalid monitor url %q: %w", rawURL, err)
	}

	op, err := p.originPool(origin)
	if err != nil {
		return ProbeResult{}, err
	}
	defer p.inflight.Done()

	if err := p.acquire(ctx, origin); err != nil {
		return ProbeResult{}, err
	}
	defer p.global.Release(1)
	defer p.limiter.Release(origin)

	p.active.Add(1)
	defer p.active.Add(-1)

	return p.probe(ctx, op, rawURL), nil
}

// acquire takes a global slot and an origin slot, waiting at most
// AcquireTimeout for both together.
func (p *ProbePool) acquire(ctx context.Context, origin string) error {
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	p.queued.Add(1)
	defer p.queued.Add(-1)

	if err := p.global.Acquire(acquireCtx, 1); err != nil {
		return p.acquireError(ctx, fmt.Sprintf("global limit %d", p.cfg.MaxConns))
	}
	if err := p.limiter.Acquire(acquireCtx, origin); err != nil {
		p.global.Release(1)
		return p.acquireError(ctx, fmt.Sprintf("origin %s limit %d", origin, p.cfg.MaxConnsPerOrigin))
	}
	return nil
}

func (p *ProbePool) acquireError(ctx context.Context, what string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.exhausted.Add(1)
	return fmt.Errorf("%w: no slot within %s (%s)", ErrPoolExhausted, p.cfg.AcquireTimeout, what)
}

func (p *ProbePool) probe(ctx context.Context, op *originPool, rawURL string) ProbeResult {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	p.requests.Add(1)
	op.requests.Add(1)

	start := time.Now()
	fail := func(err error) ProbeResult {
		p.failures.Add(1)
		op.failures.Add(1)
		return ProbeResult{
			Success:    false,
			StatusCode: 0,
			DurationMs: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)

	resp, err := op.client.Do(req)
	if err != nil {
		return fail(err)
	}
	duration := time.Since(start)

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()

	result := ProbeResult{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 400,
		StatusCode: resp.StatusCode,
		DurationMs: duration.Milliseconds(),
	}
	if !result.Success {
		op.failures.Add(1)
		p.failures.Add(1)
		result.Error = fmt.Sprintf("unexpected status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return result
}

// Stats returns aggregate occupancy.
func (p *ProbePool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		Origins:   len(p.origins),
		Active:    p.active.Load(),
		Queued:    p.queued.Load(),
		MaxConns:  p.cfg.MaxConns,
		Requests:  p.requests.Load(),
		Failures:  p.failures.Load(),
		Exhausted: p.exhausted.Load(),
	}
	for origin, op := range p.origins {
		held, _ := p.limiter.InUse(origin)
		open := op.open.Load()
		stats.Open += open
		if idle := open - int64(held); idle > 0 {
			stats.Idle += idle
		}
	}
	return stats
}

// PoolInfo returns per-origin configuration and occupancy, sorted by origin.
func (p *ProbePool) PoolInfo() []OriginInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]OriginInfo, 0, len(p.origins))
	for origin, op := range p.origins {
		held, waiting := p.limiter.InUse(origin)
		open := op.open.Load()
		idle := open - int64(held)
		if idle < 0 {
			idle = 0
		}
		infos = append(infos, OriginInfo{
			Origin:   origin,
			MaxConns: p.cfg.MaxConnsPerOrigin,
			MaxIdle:  p.cfg.MaxIdlePerOrigin,
			Active:   held,
			Queued:   waiting,
			Open:     open,
			Idle:     idle,
			Requests: op.requests.Load(),
			Failures: op.failures.Load(),
			LastUsed: time.Unix(0, op.lastUsed.Load()),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Origin < infos[j].Origin })
	return infos
}

// janitor forgets origins that have been unused for IdleTimeout.
func (p *ProbePool) janitor() {
	defer p.janitorDone.Done()

	interval := p.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(time.Now())
		case <-p.stopJanitor:
			return
		}
	}
}

func (p *ProbePool) evictIdle(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for origin, op := range p.origins {
		if now.Sub(time.Unix(0, op.lastUsed.Load())) < p.cfg.IdleTimeout {
			continue
		}
		if !p.limiter.Forget(origin) {
			continue
		}
		op.transport.CloseIdleConnections()
		delete(p.origins, origin)
		evicted++
	}
	if evicted > 0 && p.logger != nil {
		p.logger.Debug("evicted idle origin pools", slog.Int("count", evicted))
	}
	return evicted
}

// Close refuses new checks, waits for in-flight ones and closes every idle
// connection. Safe to call multiple times.
func (p *ProbePool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.stopJanitor)
		p.janitorDone.Wait()
		p.inflight.Wait()

		p.mu.Lock()
		defer p.mu.Unlock()
		for _, op := range p.origins {
			op.transport.CloseIdleConnections()
		}
		if p.logger != nil {
			p.logger.Info("probe pool closed", slog.Int("origins", len(p.origins)))
		}
	})
}

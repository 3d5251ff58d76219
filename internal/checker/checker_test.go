package checker_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/buffer"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/checker"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/models"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage/sqlite"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/pkg/logger"
)

type fakeScheduler struct {
	mu        sync.Mutex
	due       []models.DueMonitor
	findErr   error
	status    map[string]models.Status
	updates   map[string][]models.MonitorUpdate
	updateErr map[string]error
}

func newFakeScheduler(due ...models.DueMonitor) *fakeScheduler {
	s := &fakeScheduler{
		due:       due,
		status:    make(map[string]models.Status),
		updates:   make(map[string][]models.MonitorUpdate),
		updateErr: make(map[string]error),
	}
	for _, m := range due {
		s.status[m.ID] = models.StatusPending
	}
	return s
}

func (s *fakeScheduler) FindDue(_ context.Context, _ time.Time) ([]models.DueMonitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due, s.findErr
}

func (s *fakeScheduler) UpdateMonitor(_ context.Context, id string, update models.MonitorUpdate) (models.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateErr[id]; err != nil {
		return "", err
	}
	previous, ok := s.status[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	s.status[id] = update.Status
	s.updates[id] = append(s.updates[id], update)
	return previous, nil
}

func (s *fakeScheduler) lastUpdate(id string) models.MonitorUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.updates[id]
	ExpectWithOffset(1, u).NotTo(BeEmpty())
	return u[len(u)-1]
}

type probeOutcome struct {
	result checker.ProbeResult
	err    error
	panic  bool
}

type fakeProber struct {
	mu       sync.Mutex
	outcomes map[string]probeOutcome
	calls    map[string]int
	ctxErrs  []error
	delay    time.Duration
	active   atomic.Int64
	peak     atomic.Int64
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		outcomes: make(map[string]probeOutcome),
		calls:    make(map[string]int),
	}
}

func (p *fakeProber) Check(ctx context.Context, url string) (checker.ProbeResult, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	p.calls[url]++
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	out, ok := p.outcomes[url]
	p.mu.Unlock()

	if out.panic {
		panic("prober bug")
	}
	if !ok {
		return checker.ProbeResult{Success: true, StatusCode: http.StatusOK, DurationMs: 5}, nil
	}
	return out.result, out.err
}

func (p *fakeProber) callsFor(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[url]
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []models.PingLog
	reject  bool
}

func (r *fakeRecorder) Add(entry models.PingLog) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return false
	}
	r.entries = append(r.entries, entry)
	return true
}

func (r *fakeRecorder) forMonitor(id string) []models.PingLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PingLog
	for _, e := range r.entries {
		if e.MonitorID == id {
			out = append(out, e)
		}
	}
	return out
}

type fakeObserver struct {
	mu      sync.Mutex
	changes []checker.StatusChange
}

func (o *fakeObserver) StatusChanged(_ context.Context, change checker.StatusChange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, change)
}

func (o *fakeObserver) all() []checker.StatusChange {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]checker.StatusChange(nil), o.changes...)
}

func due(id, url string, frequency int) models.DueMonitor {
	return models.DueMonitor{ID: id, URL: url, Frequency: frequency, Name: "monitor " + id}
}

var _ = Describe("Processor", func() {
	var (
		ctx      context.Context
		t0       time.Time
		store    *fakeScheduler
		prober   *fakeProber
		recorder *fakeRecorder
		observer *fakeObserver
		opts     []checker.ProcessorOption
	)

	newProcessor := func() *checker.Processor {
		all := append([]checker.ProcessorOption{
			checker.WithClock(func() time.Time { return t0 }),
			checker.WithObserver(observer),
		}, opts...)
		return checker.NewProcessor(store, prober, recorder, logger.Discard(), all...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		prober = newFakeProber()
		recorder = &fakeRecorder{}
		observer = &fakeObserver{}
		opts = nil
	})

	It("probes a healthy monitor and schedules its next check", func() {
		store = newFakeScheduler(due("m1", "https://up.example/health", 60))
		prober.outcomes["https://up.example/health"] = probeOutcome{
			result: checker.ProbeResult{Success: true, StatusCode: 200, DurationMs: 42},
		}

		Expect(newProcessor().Run(ctx)).To(Succeed())

		logs := recorder.forMonitor("m1")
		Expect(logs).To(HaveLen(1))
		Expect(logs[0].Success).To(BeTrue())
		Expect(logs[0].StatusCode).To(Equal(200))
		Expect(logs[0].DurationMs).To(Equal(int64(42)))
		Expect(logs[0].Error).To(BeNil())
		Expect(logs[0].ID).NotTo(BeEmpty())
		Expect(logs[0].Timestamp).To(Equal(t0))

		update := store.lastUpdate("m1")
		Expect(update.Status).To(Equal(models.StatusUp))
		Expect(update.LastCheck).To(Equal(t0))
		Expect(update.NextCheck).To(Equal(t0.Add(60 * time.Second)))
	})

	It("records an unreachable monitor as down", func() {
		store = newFakeScheduler(due("m1", "https://down.example", 120))
		prober.outcomes["https://down.example"] = probeOutcome{
			result: checker.ProbeResult{Success: false, StatusCode: 0, DurationMs: 3, Error: "dial tcp: connection refused"},
		}

		Expect(newProcessor().Run(ctx)).To(Succeed())

		logs := recorder.forMonitor("m1")
		Expect(logs).To(HaveLen(1))
		Expect(logs[0].Success).To(BeFalse())
		Expect(logs[0].StatusCode).To(BeZero())
		Expect(logs[0].Error).NotTo(BeNil())
		Expect(*logs[0].Error).To(ContainSubstring("connection refused"))

		update := store.lastUpdate("m1")
		Expect(update.Status).To(Equal(models.StatusDown))
		Expect(update.NextCheck).To(Equal(t0.Add(120 * time.Second)))
	})

	It("probes every due monitor exactly once per run", func() {
		var monitors []models.DueMonitor
		for i := 0; i < 25; i++ {
			monitors = append(monitors, due(fmt.Sprintf("m%d", i), fmt.Sprintf("https://site%d.example", i), 60))
		}
		store = newFakeScheduler(monitors...)

		Expect(newProcessor().Run(ctx)).To(Succeed())

		for _, m := range monitors {
			Expect(prober.callsFor(m.URL)).To(Equal(1), m.ID)
			Expect(recorder.forMonitor(m.ID)).To(HaveLen(1), m.ID)
			Expect(store.updates[m.ID]).To(HaveLen(1), m.ID)
		}
	})

	Context("with a concurrency limit", func() {
		BeforeEach(func() {
			opts = append(opts, checker.WithConcurrency(2))
		})

		It("never probes more monitors at once than allowed", func() {
			var monitors []models.DueMonitor
			for i := 0; i < 8; i++ {
				monitors = append(monitors, due(fmt.Sprintf("m%d", i), fmt.Sprintf("https://s%d.example", i), 60))
			}
			store = newFakeScheduler(monitors...)
			prober.delay = 10 * time.Millisecond

			Expect(newProcessor().Run(ctx)).To(Succeed())
			Expect(prober.peak.Load()).To(BeNumerically("<=", 2))
			Expect(prober.peak.Load()).To(BeNumerically(">=", 1))
		})
	})

	It("does nothing when no monitors are due", func() {
		store = newFakeScheduler()
		Expect(newProcessor().Run(ctx)).To(Succeed())
		Expect(recorder.entries).To(BeEmpty())
	})

	It("fails the run when due monitors cannot be loaded", func() {
		store = newFakeScheduler(due("m1", "https://a.example", 60))
		store.findErr = errors.New("database is locked")

		err := newProcessor().Run(ctx)
		Expect(err).To(MatchError(ContainSubstring("database is locked")))
		Expect(prober.callsFor("https://a.example")).To(BeZero())
	})

	It("records a probe that could not be attempted as a failure", func() {
		store = newFakeScheduler(due("m1", "https://busy.example", 60))
		prober.outcomes["https://busy.example"] = probeOutcome{err: checker.ErrPoolExhausted}

		Expect(newProcessor().Run(ctx)).To(Succeed())

		logs := recorder.forMonitor("m1")
		Expect(logs).To(HaveLen(1))
		Expect(logs[0].Success).To(BeFalse())
		Expect(logs[0].StatusCode).To(BeZero())
		Expect(*logs[0].Error).To(ContainSubstring("exhausted"))
		Expect(store.lastUpdate("m1").Status).To(Equal(models.StatusDown))
	})

	It("survives a panicking prober", func() {
		store = newFakeScheduler(due("m1", "https://boom.example", 60), due("m2", "https://ok.example", 60))
		prober.outcomes["https://boom.example"] = probeOutcome{panic: true}

		Expect(newProcessor().Run(ctx)).To(Succeed())

		boom := recorder.forMonitor("m1")
		Expect(boom).To(HaveLen(1))
		Expect(*boom[0].Error).To(ContainSubstring("correlation_id"))
		Expect(store.lastUpdate("m1").NextCheck).To(Equal(t0.Add(time.Minute)))
		Expect(store.lastUpdate("m2").Status).To(Equal(models.StatusUp))
	})

	It("keeps going when one monitor update fails", func() {
		store = newFakeScheduler(due("m1", "https://a.example", 60), due("m2", "https://b.example", 60))
		store.updateErr["m1"] = errors.New("constraint failed")

		Expect(newProcessor().Run(ctx)).To(Succeed())
		Expect(recorder.forMonitor("m1")).To(HaveLen(1))
		Expect(store.lastUpdate("m2").Status).To(Equal(models.StatusUp))
	})

	It("still updates the monitor when the buffer rejects the result", func() {
		store = newFakeScheduler(due("m1", "https://a.example", 60))
		recorder.reject = true

		Expect(newProcessor().Run(ctx)).To(Succeed())
		Expect(store.lastUpdate("m1").Status).To(Equal(models.StatusUp))
	})

	It("finishes a started run even if the caller's context is cancelled", func() {
		store = newFakeScheduler(due("m1", "https://a.example", 60))
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		Expect(newProcessor().Run(cancelled)).To(Succeed())
		Expect(prober.ctxErrs).To(ConsistOf(BeNil()))
		Expect(store.lastUpdate("m1").Status).To(Equal(models.StatusUp))
	})

	Describe("status transitions", func() {
		It("notifies on a change and stays quiet otherwise", func() {
			store = newFakeScheduler(due("m1", "https://a.example", 60))
			p := newProcessor()

			Expect(p.Run(ctx)).To(Succeed())
			changes := observer.all()
			Expect(changes).To(HaveLen(1))
			Expect(changes[0].From).To(Equal(models.StatusPending))
			Expect(changes[0].To).To(Equal(models.StatusUp))
			Expect(changes[0].At).To(Equal(t0))

			Expect(p.Run(ctx)).To(Succeed())
			Expect(observer.all()).To(HaveLen(1))

			prober.outcomes["https://a.example"] = probeOutcome{
				result: checker.ProbeResult{Success: false, StatusCode: 503, Error: "unexpected status 503"},
			}
			Expect(p.Run(ctx)).To(Succeed())
			changes = observer.all()
			Expect(changes).To(HaveLen(2))
			Expect(changes[1].From).To(Equal(models.StatusUp))
			Expect(changes[1].To).To(Equal(models.StatusDown))
			Expect(changes[1].Log.StatusCode).To(Equal(503))
		})
	})
})

var _ = Describe("Scan pipeline", func() {
	It("carries a probe from discovery to a persisted ping log", func() {
		ctx := context.Background()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		store, err := sqlite.New(ctx, filepath.Join(GinkgoT().TempDir(), "pipeline.db"))
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		created, err := store.CreateMonitor(ctx, &models.Monitor{
			UserID:    "u1",
			Name:      "local",
			URL:       srv.URL,
			Frequency: 60,
			IsActive:  true,
		})
		Expect(err).NotTo(HaveOccurred())

		log := logger.Discard()
		pool := checker.NewProbePool(checker.DefaultPoolConfig(), log)
		defer pool.Close()
		buf := buffer.New(store, buffer.DefaultConfig(), log)

		processor := checker.NewProcessor(store, pool, buf, log)
		Expect(processor.Run(ctx)).To(Succeed())
		Expect(buf.Close(ctx).Flushed).To(Equal(1))

		m, err := store.GetMonitorByID(ctx, created.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Status).To(Equal(models.StatusUp))
		Expect(m.LastCheck).NotTo(BeNil())
		Expect(m.NextCheck).To(BeTemporally("~", m.LastCheck.Add(time.Minute), time.Millisecond))

		logs, err := store.ListPingLogs(ctx, storage.ListPingLogsParams{MonitorID: created.ID, Limit: 10})
		Expect(err).NotTo(HaveOccurred())
		Expect(logs).To(HaveLen(1))
		Expect(logs[0].Success).To(BeTrue())
		Expect(logs[0].StatusCode).To(Equal(http.StatusOK))

		// not due again until its next check
		Expect(processor.Run(ctx)).To(Succeed())
		Expect(pool.Stats().Requests).To(Equal(int64(1)))
	})
})

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/buffer"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/checker"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/models"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/queue"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage"
)

// PoolReporter exposes probe pool occupancy.
type PoolReporter interface {
	Stats() checker.PoolStats
	PoolInfo() []checker.OriginInfo
}

// BufferOps is the slice of the result buffer the ops endpoints use.
type BufferOps interface {
	Stats() buffer.Stats
	Utilization() float64
	HealthCheck() bool
	ForceFlush(ctx context.Context) buffer.FlushResult
}

// QueueReporter exposes scan queue counters.
type QueueReporter interface {
	Stats() queue.Stats
}

// MonitorReader serves the read-only monitor endpoints.
type MonitorReader interface {
	GetMonitorByID(ctx context.Context, id string) (*models.Monitor, error)
	ListPingLogs(ctx context.Context, params storage.ListPingLogsParams) ([]models.PingLog, error)
}

// Dependencies groups what the handlers read from. Queue and Monitors may
// be nil.
type Dependencies struct {
	Pool     PoolReporter
	Buffer   BufferOps
	Queue    QueueReporter
	Monitors MonitorReader
	Logger   *slog.Logger
}

// Handlers holds dependencies for the API handlers.
type Handlers struct {
	deps Dependencies
}

// NewHandlers creates a new Handlers struct.
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{deps: deps}
}

// StatsResponse is the body of GET /v1/ops/stats.
type StatsResponse struct {
	HTTPPool          checker.PoolStats    `json:"httpPool"`
	Buffer            buffer.Stats         `json:"buffer"`
	Pools             []checker.OriginInfo `json:"pools"`
	BufferUtilization float64              `json:"bufferUtilization"`
	Queue             *queue.Stats         `json:"queue,omitempty"`
}

// Stats reports pool, buffer and queue state.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		HTTPPool:          h.deps.Pool.Stats(),
		Buffer:            h.deps.Buffer.Stats(),
		Pools:             h.deps.Pool.PoolInfo(),
		BufferUtilization: h.deps.Buffer.Utilization(),
	}
	if h.deps.Queue != nil {
		qs := h.deps.Queue.Stats()
		resp.Queue = &qs
	}
	writeJSON(w, http.StatusOK, resp)
}

// Flush forces a buffer flush and returns its outcome.
func (h *Handlers) Flush(w http.ResponseWriter, r *http.Request) {
	res := h.deps.Buffer.ForceFlush(r.Context())
	status := http.StatusOK
	if res.Error != "" {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

// Healthz is a simple liveness endpoint.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Readyz fails while the result buffer is above its critical utilization.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Buffer.HealthCheck() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":            "degraded",
			"bufferUtilization": h.deps.Buffer.Utilization(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetMonitor returns one monitor with its current status.
func (h *Handlers) GetMonitor(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookupMonitor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

const (
	defaultPingLogLimit = 100
	maxPingLogLimit     = 1000
)

// ListPingLogs lists a monitor's ping logs, newest first.
func (h *Handlers) ListPingLogs(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookupMonitor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit := defaultPingLogLimit
	if l := q.Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = min(v, maxPingLogLimit)
		}
	}

	var sincePtr *time.Time
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "since must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		utc := t.UTC()
		sincePtr = &utc
	}

	logs, err := h.deps.Monitors.ListPingLogs(r.Context(), storage.ListPingLogsParams{
		MonitorID: m.ID,
		Since:     sincePtr,
		Limit:     limit,
	})
	if err != nil {
		h.deps.Logger.Error("list ping logs failed",
			slog.String("monitor_id", m.ID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []models.PingLog{}
	}

	writeJSON(w, http.StatusOK, struct {
		Items []models.PingLog `json:"items"`
	}{Items: logs})
}

func (h *Handlers) lookupMonitor(w http.ResponseWriter, r *http.Request) (*models.Monitor, bool) {
	if h.deps.Monitors == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	id := r.PathValue("monitor_id")
	m, err := h.deps.Monitors.GetMonitorByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "monitor not found", http.StatusNotFound)
			return nil, false
		}
		h.deps.Logger.Error("get monitor failed",
			slog.String("monitor_id", id),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return m, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

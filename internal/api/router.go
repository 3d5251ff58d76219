package api

import (
	"net/http"
)

// NewRouter creates a new http.ServeMux and registers the API handlers.
func NewRouter(deps Dependencies) *http.ServeMux {
	mux := http.NewServeMux()
	h := NewHandlers(deps)

	mux.HandleFunc("GET /v1/ops/stats", h.Stats)
	mux.HandleFunc("POST /v1/ops/flush", h.Flush)
	mux.HandleFunc("GET /v1/monitors/{monitor_id}", h.GetMonitor)
	mux.HandleFunc("GET /v1/monitors/{monitor_id}/ping-logs", h.ListPingLogs)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)

	return mux
}

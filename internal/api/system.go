package api

import (
	"context"
	"net/http"
	"time"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

// HealthResponse reports server and backend status.
type HealthResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Backend       BackendHealth `json:"backend"`
	Queue         core.Stats    `json:"queue"`
}

// BackendHealth describes the storage backend.
type BackendHealth struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SystemHandler serves health.
type SystemHandler struct {
	backend   string
	pinger    core.Pinger
	stats     func(core.Kind) (core.Stats, error)
	startTime time.Time
}

// NewSystemHandler reports on backend through pinger. A nil pinger means
// the backend has no remote dependency.
func NewSystemHandler(backend string, pinger core.Pinger, stats func(core.Kind) (core.Stats, error)) *SystemHandler {
	return &SystemHandler{
		backend:   backend,
		pinger:    pinger,
		stats:     stats,
		startTime: time.Now(),
	}
}

// Health handles GET /v1/health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       core.Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Backend:       BackendHealth{Type: h.backend, Status: "connected"},
	}
	if h.stats != nil {
		if stats, err := h.stats(""); err == nil {
			resp.Queue = stats
		}
	}

	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		start := time.Now()
		err := h.pinger.Ping(ctx)
		resp.Backend.LatencyMs = time.Since(start).Milliseconds()
		if err != nil {
			resp.Status = "degraded"
			resp.Backend.Status = "disconnected"
			resp.Backend.Error = err.Error()
			WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

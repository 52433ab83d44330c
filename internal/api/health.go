package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	ChunkStore    string            `json:"chunk_store,omitempty"`
	ActiveRuns    int               `json:"active_runs"`
	Checks        map[string]string `json:"checks"`
}

// Pinger is satisfied by the job database.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// HealthDeps are the components the health endpoint inspects. Any of them
// may be nil.
type HealthDeps struct {
	DB         Pinger
	ChunkStore string
	Transcoder interface{ Available() error }
	Events     interface{ Connected() bool }
	Runs       interface{ ActiveCount() int }
}

type HealthHandler struct {
	deps      HealthDeps
	version   string
	startTime time.Time
}

func NewHealthHandler(deps HealthDeps, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{deps: deps, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Database check
	if h.deps.DB == nil {
		checks["database"] = "not_configured"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if err := h.deps.DB.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.deps.Transcoder != nil {
		if err := h.deps.Transcoder.Available(); err != nil {
			checks["transcoder"] = "missing"
			degrade()
		} else {
			checks["transcoder"] = "ok"
		}
	}

	if h.deps.Events != nil {
		if h.deps.Events.Connected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			degrade()
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		ChunkStore:    h.deps.ChunkStore,
		Checks:        checks,
	}
	if h.deps.Runs != nil {
		resp.ActiveRuns = h.deps.Runs.ActiveCount()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// InFlightCounter reports how many operations the executor holds.
type InFlightCounter interface {
	InFlight() int
}

// LeaderChecker reports whether this instance runs the cluster-wide duties.
type LeaderChecker interface {
	IsLeader() bool
}

type HealthResponse struct {
	Status     string            `json:"status"`
	InFlight   int               `json:"in_flight"`
	Components map[string]string `json:"components,omitempty"`
}

type healthHandler struct {
	db       HealthChecker // optional, nil = no database
	executor InFlightCounter
	leader   LeaderChecker // optional, nil = no election
	logger   *zap.Logger
}

func newRouter(db HealthChecker, executor InFlightCounter, leader LeaderChecker, metricsEnabled bool, metricsPath string, logger *zap.Logger) http.Handler {
	h := &healthHandler{db: db, executor: executor, leader: leader, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	if metricsEnabled {
		r.Handle(metricsPath, promhttp.Handler())
	}
	return r
}

func (h *healthHandler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", InFlight: h.executor.InFlight()}

	// Check if verbose mode requested via ?verbose=true
	if r.URL.Query().Get("verbose") != "true" || h.db == nil {
		h.writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Components = make(map[string]string)

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}
	if h.leader != nil {
		if h.leader.IsLeader() {
			resp.Components["reconciler"] = "leader"
		} else {
			resp.Components["reconciler"] = "follower"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	h.writeJSON(w, statusCode, resp)
}

func (h *healthHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("http: json encode error", zap.Error(err))
	}
}

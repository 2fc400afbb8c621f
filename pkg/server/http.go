package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthResponse is the body served on /health
type HealthResponse struct {
	Status        string  `json:"status"`
	Sessions      int     `json:"sessions"`
	Rooms         int     `json:"rooms"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// publicRouter serves WebSocket clients. Safe to expose publicly.
func (s *Server) publicRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.HandleWebSocket)
	r.Get("/health", s.HealthHandler)
	return r
}

// metricsRouter serves Prometheus metrics. Internal only.
func (s *Server) metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	r.Get("/health", s.HealthHandler)
	return r
}

// HealthHandler reports liveness with a few counters
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.isStopping() {
		status = "stopping"
		code = http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:        status,
		Sessions:      s.registry.Count(),
		Rooms:         len(s.registry.RoomNames()),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		debugLog.Printf("Failed to write health response: %v", err)
	}
}

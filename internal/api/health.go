package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// HealthHandler reports service and dependency health.
type HealthHandler struct {
	required map[string]Check
	optional map[string]Check
	timeout  time.Duration
}

// NewHealthHandler creates a health handler. A failing required check
// marks the service unavailable; a failing optional one only degrades it.
func NewHealthHandler(required, optional map[string]Check) *HealthHandler {
	return &HealthHandler{required: required, optional: optional, timeout: 5 * time.Second}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	for name, check := range h.required {
		if err := check(ctx); err != nil {
			slog.Error("Health check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			status = "unhealthy"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	for name, check := range h.optional {
		if err := check(ctx); err != nil {
			slog.Warn("Optional health check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			if status == "healthy" {
				status = "degraded"
			}
			continue
		}
		checks[name] = "ok"
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the health check and metrics routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())
}

// Package api provides the HTTP and WebSocket surface of the teller service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/teller/internal/domain"
	"github.com/ashureev/teller/internal/workflow"
)

const defaultMaxRequestBodySize = 16 << 10

// Engine is the conversation engine behind the API.
type Engine interface {
	ProcessChannelMessage(ctx context.Context, sessionID, userID, text, channel string) (workflow.Reply, error)
	Cancel(ctx context.Context, sessionID, userID string) (workflow.Reply, error)
	Session(ctx context.Context, sessionID, userID string) (*domain.Session, error)
}

// Handler serves chat and session routes.
type Handler struct {
	engine      Engine
	limiter     *RateLimiter
	maxBodySize int64
	logger      *slog.Logger
}

// NewHandler creates a handler. A nil limiter disables rate limiting.
func NewHandler(engine Engine, limiter *RateLimiter, logger *slog.Logger) *Handler {
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:      engine,
		limiter:     limiter,
		maxBodySize: defaultMaxRequestBodySize,
		logger:      logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine errors to HTTP statuses. Internal details
// are logged, never returned.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", r.URL.Path, "error", err)
	}
	Error(w, status, message)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request timed out"
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest, "invalid request"
	case domain.KindAuthorization:
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/teller/internal/domain"
	"github.com/ashureev/teller/internal/identity"
	"github.com/ashureev/teller/internal/redact"
	"github.com/go-chi/chi/v5"
)

// Channels recorded in the audit log.
const (
	ChannelHTTP      = "chat_http"
	ChannelWebSocket = "chat_ws"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// SessionView is the client-facing projection of a session. Identifiers
// in entities and history are masked.
type SessionView struct {
	SessionID      string            `json:"session_id"`
	Status         domain.Status     `json:"status"`
	Intent         string            `json:"intent,omitempty"`
	Node           domain.Node       `json:"node,omitempty"`
	AwaitingFields []string          `json:"awaiting_fields,omitempty"`
	Entities       map[string]string `json:"entities,omitempty"`
	History        []domain.Turn     `json:"history,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func newSessionView(s *domain.Session) SessionView {
	v := SessionView{
		SessionID:      s.ID,
		Status:         s.Status,
		Intent:         s.Checkpoint.Intent,
		Node:           s.Checkpoint.Node,
		AwaitingFields: s.Outstanding,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if len(s.Entities) > 0 {
		v.Entities = make(map[string]string, len(s.Entities))
		for k, val := range s.Entities {
			v.Entities[k] = redact.Text(val)
		}
	}
	for _, t := range s.History {
		v.History = append(v.History, domain.Turn{Role: t.Role, Text: redact.Text(t.Text), Timestamp: t.Timestamp})
	}
	return v
}

// RegisterRoutes registers chat and session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Get("/sessions/{id}", h.HandleGetSession)
		r.Post("/sessions/{id}/cancel", h.HandleCancel)
	})
}

// HandleChat processes one user message.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID := identity.SessionIDFromContext(r.Context())
	if req.SessionID != "" {
		sessionID = identity.SanitizeSessionID(req.SessionID)
	}

	h.logger.Info("Chat request",
		"user_id", userID,
		"session_id", sessionID,
		"message_length", len(req.Message))

	reply, err := h.engine.ProcessChannelMessage(r.Context(), sessionID, userID, req.Message, ChannelHTTP)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

// HandleGetSession returns the caller's session.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	s, err := h.engine.Session(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, newSessionView(s))
}

// HandleCancel abandons the session's current workflow.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	reply, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/teller/internal/audit"
	"github.com/ashureev/teller/internal/domain"
	"github.com/ashureev/teller/internal/redact"
)

// Handoff is the context passed to a human agent when a workflow cannot
// finish on its own. Identifiers are masked.
type Handoff struct {
	SessionID     string               `json:"session_id"`
	UserID        string               `json:"user_id"`
	CorrelationID string               `json:"correlation_id"`
	Intent        string               `json:"intent,omitempty"`
	Reason        domain.ErrorKind     `json:"reason"`
	Detail        string               `json:"detail,omitempty"`
	Entities      map[string]string    `json:"entities,omitempty"`
	Results       []domain.ToolSummary `json:"results,omitempty"`
	Transcript    []domain.Turn        `json:"transcript,omitempty"`
	At            time.Time            `json:"at"`
}

// Escalator delivers hand-offs to human agents.
type Escalator interface {
	Escalate(ctx context.Context, h Handoff) error
}

// AuditLogger records conversation events.
type AuditLogger interface {
	Log(ev audit.Event)
}

// LogEscalator records hand-offs in the service log and the conversation
// audit log. It is the default sink when no agent desk is integrated.
type LogEscalator struct {
	logger *slog.Logger
	audit  AuditLogger
}

// NewLogEscalator creates a log-backed escalator. audit may be nil.
func NewLogEscalator(logger *slog.Logger, audit AuditLogger) *LogEscalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEscalator{logger: logger, audit: audit}
}

// Escalate implements Escalator.
func (l *LogEscalator) Escalate(_ context.Context, h Handoff) error {
	l.logger.Warn("Conversation escalated",
		"session_id", h.SessionID,
		"user_id", h.UserID,
		"correlation_id", h.CorrelationID,
		"intent", h.Intent,
		"reason", h.Reason)
	if l.audit != nil {
		l.audit.Log(audit.Event{
			Timestamp: h.At,
			UserID:    h.UserID,
			SessionID: h.SessionID,
			Direction: "internal",
			EventType: audit.EventEscalation,
			Content:   h.Detail,
			Meta: map[string]any{
				"intent":         h.Intent,
				"reason":         string(h.Reason),
				"correlation_id": h.CorrelationID,
				"entities":       h.Entities,
			},
		})
	}
	return nil
}

// newHandoff carries the whole stored history, which RecordTurn keeps
// bounded.
func newHandoff(s *domain.Session, kind domain.ErrorKind, err error, now time.Time) Handoff {
	h := Handoff{
		SessionID:     s.ID,
		UserID:        s.UserID,
		CorrelationID: s.CorrelationID,
		Intent:        s.Checkpoint.Intent,
		Reason:        kind,
		Results:       s.Checkpoint.Results,
		At:            now,
	}
	if err != nil {
		h.Detail = redact.Text(err.Error())
	}
	if len(s.Entities) > 0 {
		h.Entities = make(map[string]string, len(s.Entities))
		for k, v := range s.Entities {
			h.Entities[k] = redact.Text(v)
		}
	}
	for _, t := range s.History {
		h.Transcript = append(h.Transcript, domain.Turn{Role: t.Role, Text: redact.Text(t.Text), Timestamp: t.Timestamp})
	}
	return h
}

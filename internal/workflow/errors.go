package workflow

import (
	"context"
	"strings"

	"github.com/ashureev/teller/internal/domain"
)

// handleError classifies the failure of the owning step and decides between
// a local retry, a correction request, a temporary-unavailability reply and
// escalation.
func (e *Engine) handleError(ctx context.Context, t *turn) domain.Node {
	s := t.s
	kind := domain.KindOf(t.err)
	s.Checkpoint.LastError = kind
	errorsTotal.WithLabelValues(string(kind)).Inc()
	e.logger.Warn("Workflow step failed",
		"session_id", s.ID,
		"intent", s.Checkpoint.Intent,
		"kind", kind,
		"correlation_id", s.CorrelationID,
		"error", t.err)

	switch kind {
	case domain.KindTransient:
		if !t.retried {
			t.retried = true
			return domain.NodeExecuteTools
		}
		return e.unavailable(ctx, t)

	case domain.KindCircuitOpen:
		return e.unavailable(ctx, t)

	case domain.KindValidation:
		if next, ok := e.requestCorrection(t); ok {
			return next
		}
		return e.escalate(ctx, t, kind)

	case domain.KindUnknownIntent:
		s.Status = domain.StatusActive
		s.Checkpoint.Node = domain.NodeAnalyzeIntent
		s.Checkpoint.Intent = ""
		t.reply = e.clarification()
		return nodeSuspend

	default:
		return e.escalate(ctx, t, kind)
	}
}

// unavailable keeps the session active so the user can retry. Repeated
// failing turns escalate.
func (e *Engine) unavailable(ctx context.Context, t *turn) domain.Node {
	s := t.s
	s.Checkpoint.FailureRuns++
	if s.Checkpoint.FailureRuns >= e.cfg.FailureRunsBeforeEscalation {
		return e.escalate(ctx, t, s.Checkpoint.LastError)
	}
	s.Status = domain.StatusActive
	s.Checkpoint.Node = domain.NodeExecuteTools
	t.reply = msgUnavailable
	return nodeSuspend
}

// requestCorrection drops the entities a validation failure is attributed
// to and asks for them again. Changed values are confirmed again.
func (e *Engine) requestCorrection(t *turn) (domain.Node, bool) {
	if t.intent == nil {
		return nodeSuspend, false
	}
	s := t.s
	var labels []string
	for _, name := range domain.FieldsOf(t.err) {
		f, ok := t.intent.Field(name)
		if !ok {
			continue
		}
		delete(s.Entities, name)
		labels = append(labels, f.DisplayName())
	}
	if len(labels) == 0 {
		return nodeSuspend, false
	}
	s.Outstanding = s.Missing(t.intent.Required())
	s.Checkpoint.Confirmed = false
	t.prefix = "That didn't look right: please check the " + strings.Join(labels, " and ") + ". "
	return domain.NodeRequestHumanInput, true
}

func (e *Engine) escalate(ctx context.Context, t *turn, kind domain.ErrorKind) domain.Node {
	s := t.s
	s.Status = domain.StatusEscalated
	s.Outstanding = nil
	s.Checkpoint.Node = domain.NodeDone
	escalationsTotal.WithLabelValues(string(kind)).Inc()

	h := newHandoff(s, kind, t.err, e.deps.Now())
	if err := e.deps.Escalator.Escalate(ctx, h); err != nil {
		e.logger.Error("Failed to deliver hand-off", "session_id", s.ID, "error", err)
	}
	t.handoff = &h
	t.reply = msgEscalated
	return nodeSuspend
}

func (e *Engine) clarification() string {
	var items []string
	for _, in := range e.deps.Catalog.Current().Intents {
		if len(in.Tools) == 0 || in.Description == "" {
			continue
		}
		items = append(items, strings.TrimSuffix(strings.ToLower(in.Description[:1])+in.Description[1:], "."))
	}
	if len(items) == 0 {
		return "Sorry, I didn't understand that. Could you rephrase?"
	}
	return "Sorry, I didn't understand that. I can help you:\n- " + strings.Join(items, "\n- ")
}

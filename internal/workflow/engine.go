// Package workflow drives a conversation through intent analysis, data
// collection, confirmation, tool execution and reply generation.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/teller/internal/audit"
	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/compose"
	"github.com/ashureev/teller/internal/domain"
	"github.com/ashureev/teller/internal/feedback"
	"github.com/ashureev/teller/internal/intent"
	"github.com/ashureev/teller/internal/store"
	"github.com/ashureev/teller/internal/toolclient"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Replies used outside intent templates.
const (
	msgExpired        = "This conversation has expired. Please start a new one."
	msgCancelled      = "Okay, I've cancelled that request. Is there anything else I can help with?"
	msgNothingPending = "There's no request in progress to cancel."
	msgAlreadyDone    = "That request is already complete. What else can I help you with?"
	msgEscalated      = "I'm sorry, I wasn't able to complete this request. I've passed our conversation to a specialist who will follow up with you."
	msgWithSpecialist = "A specialist already has this conversation and will follow up with you shortly."
	msgUnavailable    = "I'm having trouble reaching our banking services right now. Please try again later, or reply \"retry\" when you're ready."
)

// IntentResolver classifies a user message.
type IntentResolver interface {
	Resolve(ctx context.Context, message string, history []domain.Turn) (intent.Result, error)
}

// ToolInvoker calls catalog tools.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolName string, params map[string]any, correlationID string) (toolclient.Invocation, error)
}

// ResponseComposer produces the final reply of a workflow.
type ResponseComposer interface {
	Compose(ctx context.Context, in compose.Input) (compose.Output, error)
}

// CatalogSource provides the active catalog.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// Deps are the collaborators of the engine, built once at startup.
type Deps struct {
	Store     store.Repository
	Catalog   CatalogSource
	Resolver  IntentResolver
	Tools     ToolInvoker
	Feedback  *feedback.Coordinator
	Composer  ResponseComposer
	Escalator Escalator
	// Audit is optional.
	Audit  AuditLogger
	Logger *slog.Logger
	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

// Config holds engine policy.
type Config struct {
	SessionTTL                  time.Duration
	FailureRunsBeforeEscalation int
	HistoryTurns                int
	// MaxHistory bounds the turns stored on a session.
	MaxHistory int
}

// DefaultConfig returns the default engine policy.
func DefaultConfig() Config {
	return Config{
		SessionTTL:                  24 * time.Hour,
		FailureRunsBeforeEscalation: 3,
		HistoryTurns:                6,
		MaxHistory:                  domain.DefaultMaxHistory,
	}
}

// Reply is the outcome of one inbound message.
type Reply struct {
	SessionID      string        `json:"session_id"`
	Reply          string        `json:"reply"`
	Status         domain.Status `json:"status"`
	Intent         string        `json:"intent,omitempty"`
	AwaitingFields []string      `json:"awaiting_fields,omitempty"`
	Handoff        *Handoff      `json:"handoff,omitempty"`
}

// Engine is the workflow state machine. It is safe for concurrent use;
// messages for one session are processed one at a time.
type Engine struct {
	deps   Deps
	cfg    Config
	locks  *keyedLock
	logger *slog.Logger
	tracer trace.Tracer

	cancelMu   sync.Mutex
	cancelling map[string]int
}

// New creates an engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Catalog == nil || deps.Resolver == nil || deps.Tools == nil || deps.Composer == nil {
		return nil, errors.New("workflow: store, catalog, resolver, tools and composer are required")
	}
	if deps.Feedback == nil {
		deps.Feedback = feedback.NewCoordinator(nil, feedback.Limits{})
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Escalator == nil {
		deps.Escalator = NewLogEscalator(deps.Logger, deps.Audit)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	def := DefaultConfig()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.FailureRunsBeforeEscalation <= 0 {
		cfg.FailureRunsBeforeEscalation = def.FailureRunsBeforeEscalation
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = def.HistoryTurns
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	return &Engine{
		deps:       deps,
		cfg:        cfg,
		locks:      newKeyedLock(),
		logger:     deps.Logger,
		tracer:     otel.Tracer("github.com/ashureev/teller/internal/workflow"),
		cancelling: make(map[string]int),
	}, nil
}

// turn carries the state of one ProcessMessage call through the machine.
type turn struct {
	s       *domain.Session
	text    string
	channel string
	intent  *catalog.Intent
	reply   string
	prefix  string
	err     error
	retried bool
	handoff *Handoff
}

// ProcessMessage advances the session with one user message and returns
// the reply. A new session is created on first contact.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID, userID, text string) (Reply, error) {
	return e.process(ctx, sessionID, userID, text, "")
}

// ProcessChannelMessage is ProcessMessage with the inbound channel recorded
// in the audit log.
func (e *Engine) ProcessChannelMessage(ctx context.Context, sessionID, userID, text, channel string) (Reply, error) {
	return e.process(ctx, sessionID, userID, text, channel)
}

func (e *Engine) process(ctx context.Context, sessionID, userID, text, channel string) (Reply, error) {
	const op = "workflow.ProcessMessage"
	text = strings.TrimSpace(text)
	if sessionID == "" || userID == "" {
		return Reply{}, domain.NewError(domain.KindValidation, op, errors.New("session id and user id are required"))
	}
	if text == "" {
		return Reply{}, &domain.Error{Kind: domain.KindValidation, Op: op, Fields: []string{"message"}, Err: errors.New("message is empty")}
	}

	ctx, span := e.tracer.Start(ctx, "workflow.ProcessMessage", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	release, err := e.locks.acquire(ctx, sessionID)
	if err != nil {
		return Reply{}, err
	}
	defer release()

	s, err := e.load(ctx, sessionID, userID)
	if err != nil {
		span.RecordError(err)
		return Reply{}, err
	}
	now := e.deps.Now()

	if s.Status != domain.StatusExpired && now.Sub(s.UpdatedAt) > e.cfg.SessionTTL && len(s.History) > 0 {
		s.Status = domain.StatusExpired
		s.UpdatedAt = now
		if err := e.deps.Store.SaveSession(ctx, s); err != nil && !errors.Is(err, domain.ErrSessionExpired) {
			return Reply{}, fmt.Errorf("persist expiry: %w", err)
		}
		e.audit(s, channel, audit.EventExpired, "", nil)
	}
	if s.Status == domain.StatusExpired {
		return Reply{SessionID: s.ID, Reply: msgExpired, Status: domain.StatusExpired}, nil
	}

	s.RecordTurn(domain.RoleUser, text, now, e.cfg.MaxHistory)
	e.audit(s, channel, audit.EventUserMessage, text, nil)

	t := &turn{s: s, text: text, channel: channel}
	if err := e.dispatch(ctx, t); err != nil {
		span.RecordError(err)
		return Reply{}, err
	}

	if e.isCancelling(s.ID) {
		// A concurrent Cancel owns the outcome; this step's results are discarded.
		e.logger.Info("Discarding step results for cancelled session", "session_id", s.ID)
		return Reply{SessionID: s.ID, Reply: msgCancelled, Status: domain.StatusCancelled}, nil
	}

	s.RecordTurn(domain.RoleAssistant, t.reply, e.deps.Now(), e.cfg.MaxHistory)
	if err := e.deps.Store.SaveSession(ctx, s); err != nil {
		if errors.Is(err, domain.ErrSessionExpired) {
			// The expiry sweep won while this step ran.
			e.logger.Info("Session expired during step", "session_id", s.ID)
			return Reply{SessionID: s.ID, Reply: msgExpired, Status: domain.StatusExpired}, nil
		}
		span.RecordError(err)
		return Reply{}, fmt.Errorf("save session: %w", err)
	}
	e.audit(s, channel, audit.EventAssistantReply, t.reply, map[string]any{"status": string(s.Status), "node": string(s.Checkpoint.Node)})
	outcomesTotal.WithLabelValues(string(s.Status)).Inc()
	span.SetAttributes(attribute.String("session.status", string(s.Status)), attribute.String("intent.name", s.Checkpoint.Intent))

	return e.reply(t), nil
}

func (e *Engine) load(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	s, err := e.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return domain.NewSession(sessionID, userID, e.deps.NewID(), e.deps.Now()), nil
	}
	if s.UserID != userID {
		return nil, domain.NewError(domain.KindAuthorization, "workflow.load", fmt.Errorf("session %s belongs to another user", sessionID))
	}
	return s, nil
}

func (e *Engine) reply(t *turn) Reply {
	r := Reply{
		SessionID: t.s.ID,
		Reply:     t.reply,
		Status:    t.s.Status,
		Intent:    t.s.Checkpoint.Intent,
		Handoff:   t.handoff,
	}
	if t.s.Status == domain.StatusAwaitingInput {
		r.AwaitingFields = append([]string(nil), t.s.Outstanding...)
	}
	return r
}

// dispatch picks the entry node for the session's current status.
func (e *Engine) dispatch(ctx context.Context, t *turn) error {
	s := t.s
	switch s.Status {
	case domain.StatusAwaitingInput:
		return e.run(ctx, t, nodeResumeInput)
	case domain.StatusAwaitingConfirmation:
		return e.run(ctx, t, nodeResumeConfirmation)
	case domain.StatusEscalated:
		t.reply = msgWithSpecialist
		return nil
	case domain.StatusCompleted:
		if feedback.ParseConfirmation(t.text) == feedback.AnswerYes {
			t.reply = msgAlreadyDone
			return nil
		}
	case domain.StatusActive:
		if s.Checkpoint.Node == domain.NodeExecuteTools && s.Checkpoint.LastError != "" {
			if feedback.IsCancel(t.text) {
				e.cancelWorkflow(t)
				return nil
			}
			if feedback.IsRetry(t.text) {
				in, err := e.currentIntent(s)
				if err != nil {
					t.err = err
					return e.run(ctx, t, domain.NodeHandleError)
				}
				t.intent = in
				return e.run(ctx, t, domain.NodeExecuteTools)
			}
		}
	}
	e.startWorkflow(s)
	return e.run(ctx, t, domain.NodeAnalyzeIntent)
}

// startWorkflow clears the previous workflow. Each workflow gets its own
// correlation ID so tool idempotency keys never collide across requests.
func (e *Engine) startWorkflow(s *domain.Session) {
	if s.Checkpoint.Node == domain.NodeAnalyzeIntent && s.Checkpoint.Intent == "" && len(s.Checkpoint.Results) == 0 && s.Status == domain.StatusActive {
		return
	}
	s.ResetWorkflow()
	s.CorrelationID = e.deps.NewID()
}

func (e *Engine) currentIntent(s *domain.Session) (*catalog.Intent, error) {
	in, ok := e.deps.Catalog.Current().Intent(s.Checkpoint.Intent)
	if !ok {
		return nil, domain.NewError(domain.KindInternal, "workflow.currentIntent", fmt.Errorf("intent %q no longer in catalog", s.Checkpoint.Intent))
	}
	return in, nil
}

// Cancel abandons the session's current workflow. It waits for an
// in-flight step to finish; that step's results are discarded.
func (e *Engine) Cancel(ctx context.Context, sessionID, userID string) (Reply, error) {
	e.markCancelling(sessionID)
	defer e.unmarkCancelling(sessionID)

	release, err := e.locks.acquire(ctx, sessionID)
	if err != nil {
		return Reply{}, err
	}
	defer release()

	s, err := e.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return Reply{}, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return Reply{}, domain.ErrSessionNotFound
	}
	if s.UserID != userID {
		return Reply{}, domain.NewError(domain.KindAuthorization, "workflow.Cancel", fmt.Errorf("session %s belongs to another user", sessionID))
	}
	if s.Status.Finished() {
		return Reply{SessionID: s.ID, Reply: msgNothingPending, Status: s.Status, Intent: s.Checkpoint.Intent}, nil
	}

	t := &turn{s: s}
	e.cancelWorkflow(t)
	s.RecordTurn(domain.RoleAssistant, t.reply, e.deps.Now(), e.cfg.MaxHistory)
	if err := e.deps.Store.SaveSession(ctx, s); err != nil {
		return Reply{}, fmt.Errorf("save session: %w", err)
	}
	outcomesTotal.WithLabelValues(string(s.Status)).Inc()
	return e.reply(t), nil
}

func (e *Engine) cancelWorkflow(t *turn) {
	s := t.s
	s.Status = domain.StatusCancelled
	s.Outstanding = nil
	s.Checkpoint.Node = domain.NodeDone
	s.Checkpoint.PendingTools = nil
	t.reply = msgCancelled
	e.audit(s, t.channel, audit.EventCancelled, "", map[string]any{"intent": s.Checkpoint.Intent})
}

// Session returns the stored session for its owner.
func (e *Engine) Session(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	s, err := e.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return nil, domain.ErrSessionNotFound
	}
	if s.UserID != userID {
		return nil, domain.NewError(domain.KindAuthorization, "workflow.Session", fmt.Errorf("session %s belongs to another user", sessionID))
	}
	if s.Status != domain.StatusExpired && e.deps.Now().Sub(s.UpdatedAt) > e.cfg.SessionTTL {
		s.Status = domain.StatusExpired
	}
	return s, nil
}

func (e *Engine) markCancelling(id string) {
	e.cancelMu.Lock()
	e.cancelling[id]++
	e.cancelMu.Unlock()
}

func (e *Engine) unmarkCancelling(id string) {
	e.cancelMu.Lock()
	if e.cancelling[id]--; e.cancelling[id] <= 0 {
		delete(e.cancelling, id)
	}
	e.cancelMu.Unlock()
}

func (e *Engine) isCancelling(id string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	return e.cancelling[id] > 0
}

func (e *Engine) audit(s *domain.Session, channel, eventType, content string, meta map[string]any) {
	if e.deps.Audit == nil {
		return
	}
	direction := "outbound"
	if eventType == audit.EventUserMessage {
		direction = "inbound"
	}
	e.deps.Audit.Log(audit.Event{
		Timestamp: e.deps.Now(),
		UserID:    s.UserID,
		SessionID: s.ID,
		Channel:   channel,
		Direction: direction,
		EventType: eventType,
		Content:   content,
		Meta:      meta,
	})
}

package domain

import (
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of a conversation session.
type Status string

const (
	StatusActive               Status = "active"
	StatusAwaitingInput        Status = "awaiting_input"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusEscalated            Status = "escalated"
	StatusExpired              Status = "expired"
	StatusCancelled            Status = "cancelled"
)

var validStatuses = []Status{
	StatusActive, StatusAwaitingInput, StatusAwaitingConfirmation,
	StatusCompleted, StatusEscalated, StatusExpired, StatusCancelled,
}

// Suspended reports whether the session is waiting on the user.
func (s Status) Suspended() bool {
	return s == StatusAwaitingInput || s == StatusAwaitingConfirmation
}

// Finished reports whether the current workflow has ended. A finished
// session still accepts a new message, which starts a fresh workflow,
// except for expired sessions.
func (s Status) Finished() bool {
	switch s {
	case StatusCompleted, StatusEscalated, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single history entry.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Node names a state of the workflow machine.
type Node string

const (
	NodeAnalyzeIntent       Node = "analyze_intent"
	NodeCheckRequiredData   Node = "check_required_data"
	NodeRequestHumanInput   Node = "request_human_input"
	NodeRequestConfirmation Node = "request_confirmation"
	NodeExecuteTools        Node = "execute_tools"
	NodeGenerateResponse    Node = "generate_response"
	NodeHandleError         Node = "handle_error"
	NodeDone                Node = "done"
)

// ToolSummary is what survives of a tool invocation once the step ends.
// Result is already masked by the tool client.
type ToolSummary struct {
	Tool          string         `json:"tool"`
	OK            bool           `json:"ok"`
	Attempts      int            `json:"attempts"`
	ErrorKind     ErrorKind      `json:"error_kind,omitempty"`
	Message       string         `json:"message,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	At            time.Time      `json:"at"`
}

// Checkpoint is the durable position of a session inside its workflow.
type Checkpoint struct {
	Node            Node           `json:"node"`
	Intent          string         `json:"intent,omitempty"`
	Confidence      float64        `json:"confidence,omitempty"`
	LowConfidence   bool           `json:"low_confidence,omitempty"`
	PendingTools    []string       `json:"pending_tools,omitempty"`
	Confirmed       bool           `json:"confirmed,omitempty"`
	ConfirmAttempts int            `json:"confirm_attempts,omitempty"`
	ParseFailures   map[string]int `json:"parse_failures,omitempty"`
	FailureRuns     int            `json:"failure_runs,omitempty"`
	LastError       ErrorKind      `json:"last_error,omitempty"`
	Results         []ToolSummary  `json:"results,omitempty"`
}

// Session is the per-conversation record owned by the workflow engine.
type Session struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	History       []Turn            `json:"history"`
	Entities      map[string]string `json:"entities"`
	Outstanding   []string          `json:"outstanding,omitempty"`
	Checkpoint    Checkpoint        `json:"checkpoint"`
	Status        Status            `json:"status"`
	CorrelationID string            `json:"correlation_id"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewSession creates an active session with an empty workflow.
func NewSession(id, userID, correlationID string, now time.Time) *Session {
	return &Session{
		ID:            id,
		UserID:        userID,
		Entities:      make(map[string]string),
		Checkpoint:    Checkpoint{Node: NodeAnalyzeIntent},
		Status:        StatusActive,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// DefaultMaxHistory bounds the turns kept on a session record.
const DefaultMaxHistory = 50

// RecordTurn appends a turn and drops the oldest turns beyond limit. A
// limit of zero or less uses DefaultMaxHistory.
func (s *Session) RecordTurn(role Role, text string, now time.Time, limit int) {
	if limit <= 0 {
		limit = DefaultMaxHistory
	}
	s.History = append(s.History, Turn{Role: role, Text: text, Timestamp: now})
	if over := len(s.History) - limit; over > 0 {
		s.History = slices.Delete(s.History, 0, over)
	}
	s.UpdatedAt = now
}

// RecentTurns returns the last n turns from history.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 {
		return nil
	}
	if n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// MergeEntities overwrites collected entities with the given values.
func (s *Session) MergeEntities(entities map[string]string) {
	if s.Entities == nil {
		s.Entities = make(map[string]string, len(entities))
	}
	for k, v := range entities {
		if v == "" {
			continue
		}
		s.Entities[k] = v
	}
}

// Missing returns the required keys without a collected value, in order.
func (s *Session) Missing(required []string) []string {
	var missing []string
	for _, key := range required {
		if _, ok := s.Entities[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// Result returns the recorded summary for a tool in the current workflow.
func (s *Session) Result(tool string) (ToolSummary, bool) {
	for _, r := range s.Checkpoint.Results {
		if r.Tool == tool {
			return r, true
		}
	}
	return ToolSummary{}, false
}

// RecordResult stores a tool summary, replacing an earlier one for the
// same tool.
func (s *Session) RecordResult(summary ToolSummary) {
	for i, r := range s.Checkpoint.Results {
		if r.Tool == summary.Tool {
			s.Checkpoint.Results[i] = summary
			return
		}
	}
	s.Checkpoint.Results = append(s.Checkpoint.Results, summary)
}

// ResetWorkflow clears the workflow state so the next message starts over.
// History is kept.
func (s *Session) ResetWorkflow() {
	s.Entities = make(map[string]string)
	s.Outstanding = nil
	s.Checkpoint = Checkpoint{Node: NodeAnalyzeIntent}
	s.Status = StatusActive
}

// Validate checks the outstanding-field invariants of the session.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if s.Status == StatusAwaitingInput && len(s.Outstanding) == 0 {
		return fmt.Errorf("session %s awaiting input with no outstanding fields", s.ID)
	}
	if s.Status == StatusCompleted && len(s.Outstanding) > 0 {
		return fmt.Errorf("session %s completed with outstanding fields %v", s.ID, s.Outstanding)
	}
	for _, key := range s.Outstanding {
		if _, ok := s.Entities[key]; ok {
			return fmt.Errorf("session %s lists collected field %q as outstanding", s.ID, key)
		}
	}
	if !slices.Contains(validStatuses, s.Status) {
		return fmt.Errorf("session %s has invalid status %q", s.ID, s.Status)
	}
	return nil
}

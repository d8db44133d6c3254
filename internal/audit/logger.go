// Package audit writes per-session conversation logs as NDJSON.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/teller/internal/redact"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event types.
const (
	EventUserMessage    = "user_message"
	EventAssistantReply = "assistant_reply"
	EventToolCall       = "tool_call"
	EventEscalation     = "escalation"
	EventCancelled      = "cancelled"
	EventExpired        = "expired"
)

var (
	unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teller",
		Subsystem: "audit",
		Name:      "dropped_events_total",
		Help:      "Conversation log events dropped because the queue was full",
	})
)

// Config holds conversation log settings.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Event is one line of a conversation log. Content is masked before it is
// queued.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Channel   string         `json:"channel,omitempty"`
	Direction string         `json:"direction,omitempty"`
	EventType string         `json:"event_type"`
	Content   string         `json:"content,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Logger appends events to <dir>/<user>/<session>.ndjson from a single
// background writer.
type Logger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewLogger creates a conversation logger. A disabled logger accepts and
// discards events.
func NewLogger(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{cfg: cfg, logger: logger, done: make(chan struct{})}
	if !cfg.Enabled {
		close(l.done)
		return l, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("conversation log dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	l.cfg = cfg
	l.queue = make(chan Event, cfg.QueueSize)
	go l.run()
	return l, nil
}

// Log queues an event. It never blocks; events are dropped when the queue
// is full or the logger is closed.
func (l *Logger) Log(ev Event) {
	if l == nil || !l.cfg.Enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Content = redact.Text(ev.Content)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		droppedTotal.Inc()
		l.logger.Warn("Conversation log queue full, dropping event", "session_id", ev.SessionID, "event_type", ev.EventType)
	}
}

// Close drains the queue and stops the writer.
func (l *Logger) Close() error {
	if l == nil || !l.cfg.Enabled {
		return nil
	}
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("Failed to write conversation log", "session_id", ev.SessionID, "error", err)
		}
	}
}

func (l *Logger) write(ev Event) error {
	dir := filepath.Join(l.cfg.Dir, safeName(ev.UserID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create user log dir: %w", err)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	path := filepath.Join(dir, safeName(ev.SessionID)+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append log line: %w", err)
	}
	return f.Close()
}

func safeName(s string) string {
	s = unsafePathChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "unknown"
	}
	return s
}

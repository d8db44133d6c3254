package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewLogger(Config{Enabled: true, Dir: dir, QueueSize: 16}, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{
		UserID:    "user-1",
		SessionID: "sess-1",
		Channel:   "chat_http",
		Direction: "inbound",
		EventType: EventUserMessage,
		Content:   "move 250 from 123456789012",
	})

	path := filepath.Join(dir, "user-1", "sess-1.ndjson")
	line := waitForLogLine(t, path)
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.EventType != EventUserMessage || got.Timestamp.IsZero() {
		t.Fatalf("unexpected event: %+v", got)
	}
	if strings.Contains(got.Content, "123456789012") {
		t.Fatalf("account number written unmasked: %q", got.Content)
	}
	if !strings.Contains(got.Content, "****9012") {
		t.Fatalf("expected masked account in content: %q", got.Content)
	}
}

func TestLoggerSanitizesPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewLogger(Config{Enabled: true, Dir: dir, QueueSize: 4}, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Log(Event{UserID: "../../etc", SessionID: "a/b", EventType: EventAssistantReply, Content: "hi"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "_.._etc", "a_b.ndjson")); err != nil {
		t.Fatalf("expected sanitized log path: %v", err)
	}
	logger.Log(Event{UserID: "u", SessionID: "s", EventType: EventAssistantReply})
}

func TestDisabledLoggerDiscards(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(Config{}, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Log(Event{UserID: "u", SessionID: "s", EventType: EventUserMessage})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}

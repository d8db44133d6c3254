package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SESSION_BACKEND", "sqlite")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Session.TTL != 24*time.Hour {
		t.Fatalf("Session.TTL = %s, want 24h", cfg.Session.TTL)
	}
	if got, want := cfg.Tools.Backoff, []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}; len(got) != len(want) || got[2] != want[2] {
		t.Fatalf("Tools.Backoff = %v, want %v", got, want)
	}
	if cfg.Session.MaxHistory != 50 {
		t.Fatalf("Session.MaxHistory = %d, want 50", cfg.Session.MaxHistory)
	}
	if cfg.Intent.High != 0.70 || cfg.Intent.Low != 0.50 {
		t.Fatalf("thresholds = %v/%v, want 0.70/0.50", cfg.Intent.High, cfg.Intent.Low)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SESSION_BACKEND", "Redis")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("SESSION_TTL", "30m")
	t.Setenv("TOOL_BACKOFF", "50ms, 1s")
	t.Setenv("BREAKER_THRESHOLD", "2")
	t.Setenv("INTENT_T_HIGH", "0.8")
	t.Setenv("CONVERSATION_LOG_ENABLED", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Session.Backend != BackendRedis || cfg.Session.RedisAddr != "cache:6379" {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if cfg.Session.TTL != 30*time.Minute {
		t.Fatalf("Session.TTL = %s, want 30m", cfg.Session.TTL)
	}
	if len(cfg.Tools.Backoff) != 2 || cfg.Tools.Backoff[1] != time.Second {
		t.Fatalf("Tools.Backoff = %v", cfg.Tools.Backoff)
	}
	if cfg.Tools.BreakerThreshold != 2 || cfg.Intent.High != 0.8 {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Tools, cfg.Intent)
	}
	if cfg.ConversationLog.Enabled {
		t.Fatal("ConversationLog.Enabled = true, want false")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown backend", map[string]string{"SESSION_BACKEND": "etcd"}, "SESSION_BACKEND"},
		{"inverted thresholds", map[string]string{"INTENT_T_HIGH": "0.4", "INTENT_T_LOW": "0.6"}, "thresholds"},
		{"bad backoff", map[string]string{"TOOL_BACKOFF": "soon"}, "TOOL_BACKOFF"},
		{"history below composer window", map[string]string{"SESSION_MAX_HISTORY": "2"}, "SESSION_MAX_HISTORY"},
		{"zero attempts", map[string]string{"TOOL_MAX_ATTEMPTS": "0"}, "TOOL_MAX_ATTEMPTS"},
		{"zero failure runs", map[string]string{"FAILURE_RUNS_BEFORE_ESCALATION": "0"}, "FAILURE_RUNS_BEFORE_ESCALATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"https://bank.example.com", false},
	}
	for _, tt := range tests {
		c := &Config{FrontendURL: tt.url}
		if got := c.IsDevelopment(); got != tt.want {
			t.Fatalf("IsDevelopment(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

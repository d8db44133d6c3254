// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Session storage backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string

	Session SessionConfig
	Catalog CatalogConfig
	Intent  IntentConfig
	Tools   ToolConfig
	LLM     LLMConfig
	Dialog  DialogConfig

	RateLimitPerMinute int
	ConversationLog    ConversationLogConfig
}

// SessionConfig selects and tunes session persistence.
type SessionConfig struct {
	Backend       string
	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
	MaxHistory    int
}

// CatalogConfig locates the intent and tool catalog. An empty path uses
// the embedded default.
type CatalogConfig struct {
	Path  string
	Watch bool
}

// IntentConfig controls the classifier cascade.
type IntentConfig struct {
	High           float64
	Low            float64
	PrimaryAddr    string
	ConnectTimeout time.Duration
}

// ToolConfig controls outbound tool calls.
type ToolConfig struct {
	Timeout          time.Duration
	MaxAttempts      int
	Backoff          []time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// LLMConfig configures the language model. Without an API key the LLM
// classifier and generator are disabled.
type LLMConfig struct {
	APIKey       string
	Model        string
	MaxTokens    int
	HistoryTurns int
}

// DialogConfig bounds re-prompting and escalation.
type DialogConfig struct {
	ConfirmMaxAttempts          int
	ParseMaxFailures            int
	FailureRunsBeforeEscalation int
}

// ConversationLogConfig controls the per-session audit log.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	backoff, err := parseDurations(getEnv("TOOL_BACKOFF", "100ms,500ms,2s"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: TOOL_BACKOFF: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Session: SessionConfig{
			Backend:       strings.ToLower(getEnv("SESSION_BACKEND", BackendSQLite)),
			DBPath:        getEnv("DB_PATH", "./data/teller.db"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			TTL:           getEnvDuration("SESSION_TTL", 24*time.Hour),
			Retention:     getEnvDuration("SESSION_RETENTION", 7*24*time.Hour),
			SweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", 5*time.Minute),
			MaxHistory:    getEnvInt("SESSION_MAX_HISTORY", 50),
		},
		Catalog: CatalogConfig{
			Path:  getEnv("CATALOG_PATH", ""),
			Watch: getEnvBool("CATALOG_WATCH", true),
		},
		Intent: IntentConfig{
			High:           getEnvFloat("INTENT_T_HIGH", 0.70),
			Low:            getEnvFloat("INTENT_T_LOW", 0.50),
			PrimaryAddr:    getEnv("NLU_PRIMARY_ADDR", ""),
			ConnectTimeout: getEnvDuration("NLU_CONNECT_TIMEOUT", 5*time.Second),
		},
		Tools: ToolConfig{
			Timeout:          getEnvDuration("TOOL_TIMEOUT", 5*time.Second),
			MaxAttempts:      getEnvInt("TOOL_MAX_ATTEMPTS", 3),
			Backoff:          backoff,
			BreakerThreshold: getEnvInt("BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getEnvDuration("BREAKER_COOLDOWN", 60*time.Second),
		},
		LLM: LLMConfig{
			APIKey:       getEnv("ANTHROPIC_API_KEY", ""),
			Model:        getEnv("LLM_MODEL", "claude-sonnet-4-5"),
			MaxTokens:    getEnvInt("LLM_MAX_TOKENS", 400),
			HistoryTurns: getEnvInt("COMPOSER_HISTORY_TURNS", 6),
		},
		Dialog: DialogConfig{
			ConfirmMaxAttempts:          getEnvInt("CONFIRM_MAX_ATTEMPTS", 3),
			ParseMaxFailures:            getEnvInt("PARSE_MAX_FAILURES", 3),
			FailureRunsBeforeEscalation: getEnvInt("FAILURE_RUNS_BEFORE_ESCALATION", 3),
		},
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and
// consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Session.Backend {
	case BackendSQLite:
		if c.Session.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case BackendRedis:
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("SESSION_BACKEND must be one of sqlite, redis, memory; got %q", c.Session.Backend)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be > 0")
	}
	if c.Session.MaxHistory < c.LLM.HistoryTurns {
		return fmt.Errorf("SESSION_MAX_HISTORY must be >= COMPOSER_HISTORY_TURNS")
	}
	if c.Intent.Low < 0 || c.Intent.High > 1 || c.Intent.Low > c.Intent.High {
		return fmt.Errorf("intent thresholds must satisfy 0 <= INTENT_T_LOW <= INTENT_T_HIGH <= 1")
	}
	if c.Tools.Timeout <= 0 {
		return fmt.Errorf("TOOL_TIMEOUT must be > 0")
	}
	if c.Tools.MaxAttempts <= 0 {
		return fmt.Errorf("TOOL_MAX_ATTEMPTS must be > 0")
	}
	if c.Tools.BreakerThreshold <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD must be > 0")
	}
	if c.Dialog.ConfirmMaxAttempts <= 0 || c.Dialog.ParseMaxFailures <= 0 {
		return fmt.Errorf("CONFIRM_MAX_ATTEMPTS and PARSE_MAX_FAILURES must be > 0")
	}
	if c.Dialog.FailureRunsBeforeEscalation <= 0 {
		return fmt.Errorf("FAILURE_RUNS_BEFORE_ESCALATION must be > 0")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE cannot be negative")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// parseDurations reads a comma separated list such as "100ms,500ms,2s".
func parseDurations(value string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative delay %s", part)
		}
		out = append(out, d)
	}
	return out, nil
}

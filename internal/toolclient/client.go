// Package toolclient invokes catalog tools with validation, retries and
// per-endpoint circuit breaking.
package toolclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/domain"
	"github.com/ashureev/teller/internal/redact"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CatalogSource provides the active catalog.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// Request is a single network attempt handed to a Transport.
type Request struct {
	Tool          *catalog.Tool
	Params        map[string]any
	CorrelationID string
	Permission    string
	Attempt       int
}

// Transport performs one call against a tool endpoint. Errors must be
// classified with a domain.ErrorKind; unclassified errors are treated as
// internal and are not retried.
type Transport interface {
	Call(ctx context.Context, req Request) (map[string]any, error)
}

// Config holds the resilience settings.
type Config struct {
	Timeout          time.Duration
	MaxAttempts      int
	Backoff          []time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns the default resilience settings.
func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		MaxAttempts:      3,
		Backoff:          []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second},
		BreakerThreshold: 5,
		BreakerCooldown:  60 * time.Second,
	}
}

func (c Config) backoff(attempt int) time.Duration {
	if len(c.Backoff) == 0 {
		return 0
	}
	if attempt-1 < len(c.Backoff) {
		return c.Backoff[attempt-1]
	}
	return c.Backoff[len(c.Backoff)-1]
}

// Invocation describes one tool invocation. Result is always masked.
type Invocation struct {
	Tool          string
	Params        map[string]any
	Attempts      int
	Result        map[string]any
	Kind          domain.ErrorKind
	Message       string
	CorrelationID string
	Duration      time.Duration
}

// Summary reduces the invocation to what a session checkpoint retains.
func (i Invocation) Summary(at time.Time) domain.ToolSummary {
	return domain.ToolSummary{
		Tool:          i.Tool,
		OK:            i.Kind == "",
		Attempts:      i.Attempts,
		ErrorKind:     i.Kind,
		Message:       i.Message,
		Result:        i.Result,
		CorrelationID: i.CorrelationID,
		At:            at,
	}
}

type permissionKey struct{}

// WithPermission attaches the permission of the calling intent to ctx.
func WithPermission(ctx context.Context, permission string) context.Context {
	return context.WithValue(ctx, permissionKey{}, permission)
}

func permissionFrom(ctx context.Context) string {
	p, _ := ctx.Value(permissionKey{}).(string)
	return p
}

// Client is the resilient tool client. It is safe for concurrent use.
type Client struct {
	source    CatalogSource
	transport Transport
	cfg       Config
	breakers  *breakerTable
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option customizes a Client.
type Option func(*Client)

// WithClock overrides the time source used by the circuit breaker.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithSleep overrides how the client waits between retries.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a resilient tool client.
func New(source CatalogSource, transport Transport, cfg Config, opts ...Option) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultConfig().BreakerThreshold
	}
	c := &Client{
		source:    source,
		transport: transport,
		cfg:       cfg,
		breakers:  newBreakerTable(),
		now:       time.Now,
		sleep:     sleepContext,
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/ashureev/teller/internal/toolclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke validates params, then calls the tool with timeout, retry and
// circuit breaking. The returned Invocation is populated on both success
// and failure; on failure the error carries a domain.ErrorKind.
func (c *Client) Invoke(ctx context.Context, toolName string, params map[string]any, correlationID string) (Invocation, error) {
	start := c.now()
	inv := Invocation{Tool: toolName, Params: params, CorrelationID: correlationID}

	ctx, span := c.tracer.Start(ctx, "toolclient.Invoke", trace.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("correlation_id", correlationID),
	))
	defer span.End()

	result, err := c.invoke(ctx, &inv, params)
	inv.Duration = c.now().Sub(start)
	span.SetAttributes(attribute.Int("tool.attempts", inv.Attempts))
	toolCallDuration.WithLabelValues(toolName).Observe(inv.Duration.Seconds())

	if err != nil {
		inv.Kind = domain.KindOf(err)
		inv.Message = err.Error()
		toolCallsTotal.WithLabelValues(toolName, string(inv.Kind)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(inv.Kind))
		return inv, err
	}
	inv.Result = result
	toolCallsTotal.WithLabelValues(toolName, "ok").Inc()
	span.SetStatus(codes.Ok, "")
	return inv, nil
}

func (c *Client) invoke(ctx context.Context, inv *Invocation, params map[string]any) (map[string]any, error) {
	const op = "toolclient.Invoke"

	cat := c.source.Current()
	tool, ok := cat.Tool(inv.Tool)
	if !ok {
		return nil, domain.NewError(domain.KindInternal, op, fmt.Errorf("unknown tool %q", inv.Tool))
	}
	if err := tool.Validate(params); err != nil {
		return nil, err
	}

	br := c.breakers.get(tool.Endpoint)
	if !br.allow(c.now(), c.cfg.BreakerCooldown) {
		circuitRejectionsTotal.WithLabelValues(tool.Endpoint).Inc()
		return nil, domain.NewError(domain.KindCircuitOpen, op, fmt.Errorf("circuit open for %s", tool.Endpoint))
	}
	c.recordState(tool.Endpoint, br)

	req := Request{
		Tool:          tool,
		Params:        params,
		CorrelationID: inv.CorrelationID,
		Permission:    permissionFrom(ctx),
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		req.Attempt = attempt
		inv.Attempts = attempt
		toolAttemptsTotal.WithLabelValues(tool.Name).Inc()

		data, err := c.attempt(ctx, req)
		if err == nil {
			br.success()
			c.recordState(tool.Endpoint, br)
			return redact.Fields(data, tool.Sensitive, tool.Drop), nil
		}
		lastErr = err

		if ctx.Err() != nil {
			br.release()
			return nil, domain.NewError(domain.KindTransient, op, fmt.Errorf("call %s: %w", tool.Name, ctx.Err()))
		}
		if !domain.IsRetryable(err) {
			// The endpoint answered, so it counts as healthy.
			br.success()
			c.recordState(tool.Endpoint, br)
			return nil, err
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.cfg.backoff(attempt)
		c.logger.Warn("Tool call failed, retrying",
			"tool", tool.Name,
			"attempt", attempt,
			"delay", delay,
			"correlation_id", inv.CorrelationID,
			"error", err)
		if err := c.sleep(ctx, delay); err != nil {
			br.release()
			return nil, domain.NewError(domain.KindTransient, op, fmt.Errorf("call %s: %w", tool.Name, err))
		}
	}

	br.failure(c.now(), c.cfg.BreakerThreshold)
	c.recordState(tool.Endpoint, br)
	c.logger.Error("Tool call exhausted retries",
		"tool", tool.Name,
		"attempts", inv.Attempts,
		"circuit", br.snapshot(),
		"correlation_id", inv.CorrelationID,
		"error", lastErr)
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, req Request) (map[string]any, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	data, err := c.transport.Call(actx, req)
	if err == nil {
		return data, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, domain.NewError(domain.KindTransient, "toolclient.Call", fmt.Errorf("call %s timed out after %s: %w", req.Tool.Name, c.cfg.Timeout, err))
	}
	return nil, err
}

func (c *Client) recordState(endpoint string, br *breaker) {
	circuitState.WithLabelValues(endpoint).Set(br.snapshot().gauge())
}

// circuit returns the circuit state of a tool's endpoint.
func (c *Client) circuit(toolName string) State {
	tool, ok := c.source.Current().Tool(toolName)
	if !ok {
		return StateClosed
	}
	return c.breakers.get(tool.Endpoint).snapshot()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package compose turns tool results into the user-facing reply.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/domain"
	"github.com/ashureev/teller/internal/redact"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Output sources.
const (
	SourceLLM      = "llm"
	SourceTemplate = "template"
	SourceSafe     = "safe"
)

// SafeResponse is returned when neither the model nor the template yields a
// reply that passes the output filter.
const SafeResponse = "Your request has been processed. For security reasons I can't show the details here; please check the app for the full information."

var (
	outputsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teller",
		Subsystem: "compose",
		Name:      "outputs_total",
		Help:      "Composed replies by source",
	}, []string{"source"})
	rejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teller",
		Subsystem: "compose",
		Name:      "filter_rejections_total",
		Help:      "Generated replies rejected by the output filter",
	})
)

// Generator produces text from a prompt. It is satisfied by *llm.Client.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// Config bounds the prompt and the completion.
type Config struct {
	HistoryTurns int
	MaxTokens    int
}

// Input is everything the composer may show the model.
type Input struct {
	Message  string
	Intent   *catalog.Intent
	Tools    []*catalog.Tool
	Entities map[string]string
	Results  []domain.ToolSummary
	History  []domain.Turn
}

// Output is the composed reply.
type Output struct {
	Text        string
	Source      string
	Regenerated bool
}

// Composer builds prompts and filters generated replies.
type Composer struct {
	gen    Generator
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a composer. A nil generator always renders templates.
func New(gen Generator, cfg Config, logger *slog.Logger) *Composer {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 6
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 400
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		gen:    gen,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/ashureev/teller/internal/compose"),
	}
}

// Compose generates the reply for a finished workflow. Generator failures
// fall back to the intent template; only context cancellation is returned
// as an error.
func (c *Composer) Compose(ctx context.Context, in Input) (Output, error) {
	ctx, span := c.tracer.Start(ctx, "compose.Compose")
	defer span.End()

	out, err := c.compose(ctx, in)
	if err != nil {
		span.RecordError(err)
		return Output{}, err
	}
	outputsTotal.WithLabelValues(out.Source).Inc()
	span.SetAttributes(attribute.String("compose.source", out.Source), attribute.Bool("compose.regenerated", out.Regenerated))
	return out, nil
}

func (c *Composer) compose(ctx context.Context, in Input) (Output, error) {
	if c.gen != nil {
		system, user := c.Prompt(in)
		for attempt := 0; attempt < 2; attempt++ {
			text, err := c.gen.Generate(ctx, system, user, c.cfg.MaxTokens)
			if err != nil {
				if ctx.Err() != nil {
					return Output{}, ctx.Err()
				}
				c.logger.Warn("Reply generation failed, using template", "error", err)
				break
			}
			if !redact.ContainsSensitive(text) {
				return Output{Text: text, Source: SourceLLM, Regenerated: attempt > 0}, nil
			}
			rejectionsTotal.Inc()
			c.logger.Warn("Generated reply rejected by output filter", "attempt", attempt+1)
		}
	}
	return c.Fallback(in), nil
}

// Fallback renders the intent's response template, or SafeResponse when
// there is none or the rendering trips the output filter.
func (c *Composer) Fallback(in Input) Output {
	var tmpl string
	if in.Intent != nil {
		tmpl = in.Intent.Response
	}
	text := Render(tmpl, in.Intent, in.Entities, in.Results)
	if text == "" || redact.ContainsSensitive(text) {
		return Output{Text: SafeResponse, Source: SourceSafe}
	}
	return Output{Text: text, Source: SourceTemplate}
}

// Prompt builds the system and user segments. Every value taken from the
// conversation or from tool output is masked.
func (c *Composer) Prompt(in Input) (system, user string) {
	var s strings.Builder
	s.WriteString("You are a customer assistant for a retail bank. ")
	s.WriteString("Answer in two or three short sentences using only the facts in the tool results.\n")
	s.WriteString("Rules:\n")
	s.WriteString("- Never write a full account number, card number or social security number. Refer to accounts as \"ending in\" their last four digits.\n")
	s.WriteString("- Do not invent balances, references or dates.\n")
	s.WriteString("- If a tool failed, say so plainly without technical details.\n")
	if len(in.Tools) > 0 {
		s.WriteString("\nTools that were called:\n")
		for _, t := range in.Tools {
			fmt.Fprintf(&s, "- %s: %s\n", t.Name, t.Description)
		}
	}

	var u strings.Builder
	fmt.Fprintf(&u, "Customer message: %s\n", redact.Text(in.Message))
	if in.Intent != nil {
		fmt.Fprintf(&u, "Request: %s (%s)\n", in.Intent.Name, in.Intent.Description)
	}
	if len(in.Results) > 0 {
		u.WriteString("\nTool results:\n")
		for _, r := range in.Results {
			u.WriteString("- ")
			u.WriteString(summaryLine(r))
			u.WriteString("\n")
		}
	}
	if turns := recent(in.History, c.cfg.HistoryTurns); len(turns) > 0 {
		u.WriteString("\nRecent conversation:\n")
		for _, t := range turns {
			fmt.Fprintf(&u, "%s: %s\n", t.Role, redact.Text(t.Text))
		}
	}
	if draft := c.Fallback(in); draft.Source == SourceTemplate {
		fmt.Fprintf(&u, "\nDraft reply: %s\n", draft.Text)
	}
	return s.String(), u.String()
}

func summaryLine(r domain.ToolSummary) string {
	if !r.OK {
		return fmt.Sprintf("%s failed (%s)", r.Tool, r.ErrorKind)
	}
	b, err := json.Marshal(r.Result)
	if err != nil {
		return r.Tool + " succeeded"
	}
	return r.Tool + ": " + redact.Text(string(b))
}

func recent(history []domain.Turn, n int) []domain.Turn {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

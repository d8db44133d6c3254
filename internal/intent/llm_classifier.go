package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/domain"
	"github.com/ashureev/teller/internal/feedback"
	"github.com/ashureev/teller/internal/llm"
	"github.com/ashureev/teller/internal/redact"
)

const recordIntentTool = "record_intent"

// ToolCaller forces a structured function call. It is satisfied by
// *llm.Client.
type ToolCaller interface {
	CallTool(ctx context.Context, systemPrompt, userPrompt string, tool llm.ToolSpec, maxTokens int) (json.RawMessage, error)
}

// LLMClassifier is the last tier of the cascade. It asks the model to pick
// one catalog intent through a forced function call.
type LLMClassifier struct {
	caller    ToolCaller
	source    CatalogSource
	parsers   *feedback.Registry
	maxTokens int
}

// NewLLMClassifier creates an LLM-backed classifier.
func NewLLMClassifier(caller ToolCaller, source CatalogSource, parsers *feedback.Registry, maxTokens int) *LLMClassifier {
	if parsers == nil {
		parsers = feedback.NewRegistry()
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &LLMClassifier{caller: caller, source: source, parsers: parsers, maxTokens: maxTokens}
}

type recordedIntent struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities"`
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, text string, history []domain.Turn) (Result, error) {
	cat := c.source.Current()
	raw, err := c.caller.CallTool(ctx, c.systemPrompt(cat), c.userPrompt(text, history), c.toolSpec(cat), c.maxTokens)
	if err != nil {
		return Result{}, err
	}

	var rec recordedIntent
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Result{}, fmt.Errorf("decode %s input: %w", recordIntentTool, err)
	}
	in, ok := cat.Intent(rec.Intent)
	if !ok {
		return Result{Intent: Unknown}, nil
	}
	return Result{
		Intent:     in.Name,
		Confidence: min(max(rec.Confidence, 0), 1),
		Entities:   c.entities(in, rec.Entities),
	}, nil
}

// entities keeps only declared fields whose value parses as the field type.
func (c *LLMClassifier) entities(in *catalog.Intent, proposed map[string]any) map[string]string {
	out := make(map[string]string)
	for name, v := range proposed {
		f, ok := in.Field(name)
		if !ok {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s == "" || v == nil {
			continue
		}
		if f.Type == catalog.FieldText {
			out[name] = s
			continue
		}
		if parsed, ok := c.parsers.Parse(s, f); ok {
			out[name] = parsed
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *LLMClassifier) toolSpec(cat *catalog.Catalog) llm.ToolSpec {
	names := append(cat.IntentNames(), Unknown)
	return llm.ToolSpec{
		Name:        recordIntentTool,
		Description: "Record the banking request the customer is making.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"intent": map[string]any{
					"type": "string",
					"enum": names,
				},
				"confidence": map[string]any{
					"type":    "number",
					"minimum": 0,
					"maximum": 1,
				},
				"entities": map[string]any{
					"type":                 "object",
					"additionalProperties": map[string]any{"type": "string"},
				},
			},
			"required": []string{"intent", "confidence"},
		},
	}
}

func (c *LLMClassifier) systemPrompt(cat *catalog.Catalog) string {
	var b strings.Builder
	b.WriteString("You classify messages sent to a bank's customer assistant. ")
	b.WriteString("Pick exactly one request type, or unknown if none fits. ")
	b.WriteString("Extract only the details the customer stated.\n\nRequest types:\n")
	for _, in := range cat.Intents {
		fmt.Fprintf(&b, "- %s: %s", in.Name, in.Description)
		if len(in.Fields) > 0 {
			names := make([]string, 0, len(in.Fields))
			for _, f := range in.Fields {
				names = append(names, f.Name)
			}
			fmt.Fprintf(&b, " (details: %s)", strings.Join(names, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (c *LLMClassifier) userPrompt(text string, history []domain.Turn) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range history[max(len(history)-4, 0):] {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, redact.Text(t.Text))
		}
		b.WriteString("\n")
	}
	b.WriteString("Customer message: ")
	b.WriteString(text)
	return b.String()
}

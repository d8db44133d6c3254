// Package llm adapts the Anthropic Messages API to the text generation and
// function calling needs of the orchestrator.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// ErrNoToolCall is returned when the model answers without calling the
// requested tool.
var ErrNoToolCall = errors.New("model did not call the tool")

// MessagesClient is the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// ToolSpec describes a function the model is forced to call.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Client generates text and structured tool input.
type Client struct {
	msgs   MessagesClient
	model  string
	logger *slog.Logger
}

// NewAnthropic creates a client talking to the Anthropic API.
func NewAnthropic(apiKey, model string, logger *slog.Logger) *Client {
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, model, logger)
}

// New wraps an existing messages client.
func New(msgs MessagesClient, model string, logger *slog.Logger) *Client {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{msgs: msgs, model: model, logger: logger}
}

// Generate returns the text completion of userPrompt under systemPrompt.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return "", fmt.Errorf("generate: max tokens must be positive")
	}
	msg, err := c.msgs.New(ctx, sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(c.model),
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(userPrompt))},
	})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("generate: empty completion")
	}
	c.logger.Debug("LLM completion", "model", c.model, "output_tokens", msg.Usage.OutputTokens)
	return text, nil
}

// CallTool forces the model to call tool and returns the raw tool input.
func (c *Client) CallTool(ctx context.Context, systemPrompt, userPrompt string, tool ToolSpec, maxTokens int) (json.RawMessage, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("call tool: max tokens must be positive")
	}
	u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: tool.Schema}, tool.Name)
	if tool.Description != "" {
		u.OfTool.Description = sdk.String(tool.Description)
	}

	msg, err := c.msgs.New(ctx, sdk.MessageNewParams{
		MaxTokens:  int64(maxTokens),
		Model:      sdk.Model(c.model),
		System:     []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:   []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(userPrompt))},
		Tools:      []sdk.ToolUnionParam{u},
		ToolChoice: sdk.ToolChoiceParamOfTool(tool.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", tool.Name, err)
	}
	for _, block := range msg.Content {
		if block.Type == "tool_use" && block.Name == tool.Name {
			return block.Input, nil
		}
	}
	return nil, fmt.Errorf("call tool %s: %w", tool.Name, ErrNoToolCall)
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMessages struct {
	resp *sdk.Message
	err  error
	got  sdk.MessageNewParams
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.got = body
	return s.resp, s.err
}

func TestGenerateJoinsTextBlocks(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Your balance "},
			{Type: "text", Text: "is 10.00 USD."},
		},
	}}
	c := New(stub, "test-model", nil)

	out, err := c.Generate(context.Background(), "sys", "user", 128)
	require.NoError(t, err)
	assert.Equal(t, "Your balance is 10.00 USD.", out)
	assert.Equal(t, int64(128), stub.got.MaxTokens)
	assert.Equal(t, sdk.Model("test-model"), stub.got.Model)
	require.Len(t, stub.got.System, 1)
	assert.Equal(t, "sys", stub.got.System[0].Text)
}

func TestGenerateRejectsEmptyCompletion(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{}}
	_, err := New(stub, "", nil).Generate(context.Background(), "sys", "user", 64)
	require.Error(t, err)
}

func TestGeneratePropagatesErrors(t *testing.T) {
	stub := &stubMessages{err: errors.New("overloaded")}
	_, err := New(stub, "", nil).Generate(context.Background(), "sys", "user", 64)
	require.ErrorContains(t, err, "overloaded")
}

func TestCallToolReturnsInput(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", Name: "record_intent", ID: "tu_1", Input: json.RawMessage(`{"intent":"check.balance","confidence":0.8}`)},
		},
	}}
	c := New(stub, "", nil)

	raw, err := c.CallTool(context.Background(), "sys", "what's my balance", ToolSpec{
		Name:   "record_intent",
		Schema: map[string]any{"type": "object"},
	}, 256)
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent":"check.balance","confidence":0.8}`, string(raw))
	require.Len(t, stub.got.Tools, 1)
}

func TestCallToolWithoutToolUse(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "I cannot"}},
	}}
	_, err := New(stub, "", nil).CallTool(context.Background(), "sys", "hi", ToolSpec{Name: "record_intent"}, 64)
	assert.ErrorIs(t, err, ErrNoToolCall)
}

package llm

import (
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pith-agent/pith/internal/types"
)

func TestConvertOpenAIMessagesMergesAdjacentCalls(t *testing.T) {
	messages := []types.Message{
		types.UserPrompt{Content: "check both files"},
		types.ToolCall{CallID: "c1", Name: "read", Input: json.RawMessage(`{"path":"a.txt"}`)},
		types.ToolCall{CallID: "c2", Name: "read", Input: json.RawMessage(`{"path":"b.txt"}`)},
		types.ToolReturn{CallID: "c1", Name: "read", Content: "alpha"},
		types.ToolReturn{CallID: "c2", Name: "read", Content: "beta"},
		types.AssistantText{Content: "both read"},
	}

	got := convertOpenAIMessages(messages)
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}

	if got[0].Role != openai.ChatMessageRoleUser {
		t.Errorf("message 0 role = %q, want user", got[0].Role)
	}
	if got[1].Role != openai.ChatMessageRoleAssistant || len(got[1].ToolCalls) != 2 {
		t.Errorf("message 1 should carry both tool calls, got role=%q calls=%d", got[1].Role, len(got[1].ToolCalls))
	}
	if got[2].Role != openai.ChatMessageRoleTool || got[2].ToolCallID != "c1" {
		t.Errorf("message 2 = %q/%q, want tool/c1", got[2].Role, got[2].ToolCallID)
	}
	if got[3].Role != openai.ChatMessageRoleTool || got[3].ToolCallID != "c2" {
		t.Errorf("message 3 = %q/%q, want tool/c2", got[3].Role, got[3].ToolCallID)
	}
	if got[4].Role != openai.ChatMessageRoleAssistant || got[4].Content != "both read" {
		t.Errorf("message 4 = %q/%q, want assistant text", got[4].Role, got[4].Content)
	}
}

func TestConvertOpenAIMessagesFoldsOrphans(t *testing.T) {
	// A history window can open after a call or close before its result.
	messages := []types.Message{
		types.ToolReturn{CallID: "lost", Name: "read", Content: "stale output"},
		types.UserPrompt{Content: "hi"},
		types.ToolCall{CallID: "pending", Name: "write", Input: json.RawMessage(`{"path":"x"}`)},
	}

	got := convertOpenAIMessages(messages)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}

	if got[0].Role != openai.ChatMessageRoleUser {
		t.Errorf("orphaned result should fold to user text, got role %q", got[0].Role)
	}
	if got[0].ToolCallID != "" {
		t.Errorf("folded result must not keep a tool call id, got %q", got[0].ToolCallID)
	}
	if got[2].Role != openai.ChatMessageRoleAssistant || len(got[2].ToolCalls) != 0 {
		t.Errorf("orphaned call should fold to assistant text, got role=%q calls=%d", got[2].Role, len(got[2].ToolCalls))
	}
}

func TestConvertOpenAIMessagesSkipsEmptyAssistantText(t *testing.T) {
	messages := []types.Message{
		types.UserPrompt{Content: "hi"},
		types.AssistantText{Content: ""},
	}
	got := convertOpenAIMessages(messages)
	if len(got) != 1 {
		t.Fatalf("expected empty assistant text dropped, got %d messages", len(got))
	}
}

func TestConvertOllamaMessages(t *testing.T) {
	messages := []types.Message{
		types.UserPrompt{Content: "list the dir"},
		types.ToolCall{CallID: "c1", Name: "list_dir", Input: json.RawMessage(`{"path":"."}`)},
		types.ToolReturn{CallID: "c1", Name: "list_dir", Content: "a.txt\nb.txt"},
	}

	got := convertOllamaMessages(messages)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[1].Role != "assistant" || len(got[1].ToolCalls) != 1 {
		t.Errorf("message 1 should be an assistant tool call, got role=%q calls=%d", got[1].Role, len(got[1].ToolCalls))
	}
	if got[1].ToolCalls[0].Function.Name != "list_dir" {
		t.Errorf("tool call name = %q", got[1].ToolCalls[0].Function.Name)
	}
	if got[2].Role != "tool" || got[2].Content != "a.txt\nb.txt" {
		t.Errorf("message 2 = %q/%q, want tool result", got[2].Role, got[2].Content)
	}
}

func TestConvertOllamaTools(t *testing.T) {
	defs := []types.ToolDefinition{
		{
			Name:        "read",
			Description: "Read a file",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
			},
		},
	}

	got := convertOllamaTools(defs)
	if len(got) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(got))
	}
	if got[0].Type != "function" || got[0].Function.Name != "read" {
		t.Errorf("tool = %+v", got[0])
	}
	if convertOllamaTools(nil) != nil {
		t.Error("empty defs should convert to nil")
	}
}

func TestOrphanCallTextTruncatesInput(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	text := orphanCallText("read", json.RawMessage(long))
	if len(text) > 600 {
		t.Errorf("orphan text not truncated, length %d", len(text))
	}
}

func TestIsAuthError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection refused"), false},
		{errors.New("API returned 401 Unauthorized"), true},
		{errors.New("invalid api key provided"), true},
		{errors.New("authentication_error: invalid x-api-key"), true},
	}
	for _, tc := range cases {
		if got := IsAuthError(tc.err); got != tc.want {
			t.Errorf("IsAuthError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestHasToolCalls(t *testing.T) {
	r := &Response{Text: "done"}
	if r.HasToolCalls() {
		t.Error("response without calls reports HasToolCalls")
	}
	r.ToolCalls = append(r.ToolCalls, ToolUse{ID: "c1", Name: "read"})
	if !r.HasToolCalls() {
		t.Error("response with calls reports none")
	}
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "bedrock", Model: "m"})
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("err = %v, want ErrNotSupported", err)
	}
}

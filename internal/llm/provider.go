// Package llm provides LLM client implementations.
package llm

import (
	"context"
	"encoding/json"

	"github.com/pith-agent/pith/internal/types"
)

// Provider is the interface all LLM providers implement.
type Provider interface {
	// Name returns the provider instance name (e.g., "anthropic")
	Name() string

	// Type returns the provider driver type ("anthropic", "openai", "ollama")
	Type() string

	// Model returns the model identifier in use
	Model() string

	// IsAvailable returns true if the provider is configured and usable
	IsAvailable() bool

	// ContextTokens returns the model's context window size in tokens
	ContextTokens() int

	// SimpleMessage sends a single user message and returns the text response.
	// Used for one-shot tasks that need no history or tools.
	SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error)

	// StreamMessage sends a conversation with optional tools and streams the
	// response. onDelta is called for each text fragment as it arrives; the
	// returned Response carries the accumulated text and any tool calls.
	StreamMessage(
		ctx context.Context,
		messages []types.Message,
		toolDefs []types.ToolDefinition,
		systemPrompt string,
		onDelta func(delta string),
	) (*Response, error)
}

// Config holds the settings needed to construct a provider.
type Config struct {
	Provider  string // driver: "anthropic", "openai", "ollama"
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// ToolUse is a single tool invocation requested by the model.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Response is the result of a completed model turn.
type Response struct {
	Text         string
	ToolCalls    []ToolUse
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// HasToolCalls returns true if the model requested any tool invocations.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/types"
)

// AnthropicProvider implements the Provider interface for the Anthropic API.
type AnthropicProvider struct {
	name      string
	client    *anthropic.Client
	model     string
	maxTokens int
	baseURL   string
}

// NewAnthropicProvider creates an Anthropic provider from config.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic: model is required")
	}

	httpClient := &http.Client{Timeout: 5 * time.Minute}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	L_debug("anthropic provider created", "model", cfg.Model, "maxTokens", maxTokens)

	return &AnthropicProvider{
		name:      "anthropic",
		client:    &client,
		model:     cfg.Model,
		maxTokens: maxTokens,
		baseURL:   cfg.BaseURL,
	}, nil
}

// Name returns the provider instance name
func (c *AnthropicProvider) Name() string { return c.name }

// Type returns the provider driver type
func (c *AnthropicProvider) Type() string { return "anthropic" }

// Model returns the model identifier in use
func (c *AnthropicProvider) Model() string { return c.model }

// IsAvailable returns true if the provider is configured
func (c *AnthropicProvider) IsAvailable() bool {
	return c != nil && c.client != nil && c.model != ""
}

// ContextTokens returns the model's context window size
func (c *AnthropicProvider) ContextTokens() int {
	// Claude 3+ models all carry a 200k window
	return 200000
}

// SimpleMessage sends a single message without history or tools.
func (c *AnthropicProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	messages := []types.Message{
		types.UserPrompt{Content: userMessage},
	}
	resp, err := c.StreamMessage(ctx, messages, nil, systemPrompt, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// StreamMessage sends a conversation to Anthropic and streams the response.
func (c *AnthropicProvider) StreamMessage(
	ctx context.Context,
	messages []types.Message,
	toolDefs []types.ToolDefinition,
	systemPrompt string,
	onDelta func(delta string),
) (*Response, error) {
	startTime := time.Now()
	L_info("llm: request started", "provider", c.name, "model", c.model, "messages", len(messages), "tools", len(toolDefs))

	anthropicMessages := convertAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages:  anthropicMessages,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	anthropicTools := convertAnthropicTools(toolDefs)
	if len(anthropicTools) > 0 {
		params.Tools = anthropicTools
	}

	L_debug("sending request to Anthropic", "model", c.model)

	stream := c.client.Messages.NewStreaming(ctx, params)

	response := &Response{}
	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()

		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate error: %w", err)
		}

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if onDelta != nil {
					onDelta(deltaVariant.Text)
				}
				response.Text += deltaVariant.Text
			}
		}
	}

	if err := stream.Err(); err != nil {
		L_error("stream error", "error", err)
		return nil, fmt.Errorf("stream error: %w", err)
	}

	response.StopReason = string(message.StopReason)
	response.InputTokens = int(message.Usage.InputTokens)
	response.OutputTokens = int(message.Usage.OutputTokens)

	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.ToolUseBlock:
			inputBytes, _ := json.Marshal(variant.Input)
			response.ToolCalls = append(response.ToolCalls, ToolUse{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: inputBytes,
			})
			L_info("llm: tool use", "tool", variant.Name, "id", variant.ID)
		}
	}

	L_info("llm: request completed", "provider", c.name, "duration", time.Since(startTime).Round(time.Millisecond),
		"inputTokens", response.InputTokens, "outputTokens", response.OutputTokens)

	return response, nil
}

// convertAnthropicMessages converts stored messages to Anthropic API format.
// Tool calls that lost their result (or results that lost their call) to the
// history window are folded into plain text so the API never sees a dangling
// tool_use / tool_result pair.
func convertAnthropicMessages(messages []types.Message) []anthropic.MessageParam {
	callIDs := make(map[string]bool)
	returnIDs := make(map[string]bool)
	for _, msg := range messages {
		switch m := msg.(type) {
		case types.ToolCall:
			callIDs[m.CallID] = true
		case types.ToolReturn:
			returnIDs[m.CallID] = true
		}
	}

	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch m := msg.(type) {
		case types.UserPrompt:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewTextBlock(m.Content),
			))

		case types.AssistantText:
			if m.Content == "" {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(m.Content),
			))

		case types.ToolCall:
			if !returnIDs[m.CallID] {
				L_trace("converting orphaned tool call to text", "tool", m.Name)
				result = append(result, anthropic.NewAssistantMessage(
					anthropic.NewTextBlock(orphanCallText(m.Name, m.Input)),
				))
				continue
			}
			var input map[string]any
			json.Unmarshal(m.Input, &input)
			result = append(result, anthropic.NewAssistantMessage(
				anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    m.CallID,
						Name:  m.Name,
						Input: input,
					},
				},
			))

		case types.ToolReturn:
			if !callIDs[m.CallID] {
				L_trace("converting orphaned tool result to text", "tool", m.Name)
				result = append(result, anthropic.NewUserMessage(
					anthropic.NewTextBlock(orphanReturnText(m.Name, m.Content)),
				))
				continue
			}
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.CallID, m.Content, m.IsError),
			))
		}
	}

	return result
}

// convertAnthropicTools converts tool definitions to Anthropic API format.
func convertAnthropicTools(defs []types.ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))

	for _, def := range defs {
		var properties any
		if props, ok := def.InputSchema["properties"]; ok {
			properties = props
		}

		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: properties,
				},
			},
		})
	}

	return result
}

func orphanCallText(name string, input json.RawMessage) string {
	inputStr := string(input)
	if len(inputStr) > 500 {
		inputStr = inputStr[:500] + "..."
	}
	return fmt.Sprintf("[Called tool: %s]\nInput: %s", name, inputStr)
}

func orphanReturnText(name, content string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[Tool result for %s]\n", name))
	b.WriteString(content)
	return b.String()
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/types"
)

// OpenAIProvider implements the Provider interface for OpenAI and
// OpenAI-compatible APIs (configured via base_url).
type OpenAIProvider struct {
	name      string
	client    *openai.Client
	model     string
	maxTokens int
	baseURL   string
}

// NewOpenAIProvider creates an OpenAI provider from config.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai: model is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	baseURL := cfg.BaseURL
	if baseURL != "" {
		// Ensure the URL ends with /v1 for OpenAI-compatible APIs
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		config.BaseURL = baseURL
	}
	client := openai.NewClientWithConfig(config)

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	L_debug("openai provider created", "model", cfg.Model, "baseURL", baseURL, "maxTokens", maxTokens)

	return &OpenAIProvider{
		name:      "openai",
		client:    client,
		model:     cfg.Model,
		maxTokens: maxTokens,
		baseURL:   baseURL,
	}, nil
}

// Name returns the provider instance name
func (p *OpenAIProvider) Name() string { return p.name }

// Type returns the provider driver type
func (p *OpenAIProvider) Type() string { return "openai" }

// Model returns the model identifier in use
func (p *OpenAIProvider) Model() string { return p.model }

// IsAvailable returns true if the provider is configured
func (p *OpenAIProvider) IsAvailable() bool {
	return p != nil && p.client != nil && p.model != ""
}

// ContextTokens returns the model's context window size
func (p *OpenAIProvider) ContextTokens() int {
	return 128000
}

// SimpleMessage sends a single message without history or tools.
func (p *OpenAIProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	messages := []types.Message{
		types.UserPrompt{Content: userMessage},
	}
	resp, err := p.StreamMessage(ctx, messages, nil, systemPrompt, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// StreamMessage sends a conversation to the OpenAI API and streams the response.
func (p *OpenAIProvider) StreamMessage(
	ctx context.Context,
	messages []types.Message,
	toolDefs []types.ToolDefinition,
	systemPrompt string,
	onDelta func(delta string),
) (*Response, error) {
	startTime := time.Now()
	L_info("llm: request started", "provider", p.name, "model", p.model, "messages", len(messages), "tools", len(toolDefs))

	openaiMessages := convertOpenAIMessages(messages)

	if systemPrompt != "" {
		openaiMessages = append([]openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		}, openaiMessages...)
	}

	req := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  openaiMessages,
		Stream:    true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	openaiTools := convertOpenAITools(toolDefs)
	if len(openaiTools) > 0 {
		req.Tools = openaiTools
	}

	L_debug("sending request to OpenAI", "model", p.model, "baseURL", p.baseURL)

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		L_error("stream create failed", "error", err)
		return nil, fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	response := &Response{}
	var toolCalls []openai.ToolCall

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			L_error("stream error", "error", err)
			return nil, fmt.Errorf("stream error: %w", err)
		}

		if chunk.Usage != nil {
			response.InputTokens = chunk.Usage.PromptTokens
			response.OutputTokens = chunk.Usage.CompletionTokens
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
			response.Text += choice.Delta.Content
		}

		// Tool call fragments arrive indexed; merge them by index
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, openai.ToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Function.Name += tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Function.Arguments += tc.Function.Arguments
			}
		}

		if choice.FinishReason != "" {
			response.StopReason = string(choice.FinishReason)
		}
	}

	for _, tc := range toolCalls {
		if tc.Function.Name == "" {
			continue
		}
		response.ToolCalls = append(response.ToolCalls, ToolUse{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
		L_info("llm: tool use", "tool", tc.Function.Name, "id", tc.ID)
	}

	L_info("llm: request completed", "provider", p.name, "duration", time.Since(startTime).Round(time.Millisecond),
		"inputTokens", response.InputTokens, "outputTokens", response.OutputTokens)

	return response, nil
}

// convertOpenAIMessages converts stored messages to OpenAI chat format.
// Adjacent tool calls merge into a single assistant message so each tool role
// message that follows can reference its call id. Calls or results that lost
// their pair to the history window are folded into plain text.
func convertOpenAIMessages(messages []types.Message) []openai.ChatCompletionMessage {
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

	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	var pendingCalls []openai.ToolCall

	flush := func() {
		if len(pendingCalls) == 0 {
			return
		}
		result = append(result, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			ToolCalls: pendingCalls,
		})
		pendingCalls = nil
	}

	for _, msg := range messages {
		switch m := msg.(type) {
		case types.UserPrompt:
			flush()
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})

		case types.AssistantText:
			flush()
			if m.Content == "" {
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			})

		case types.ToolCall:
			if !returnIDs[m.CallID] {
				flush()
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: orphanCallText(m.Name, m.Input),
				})
				continue
			}
			pendingCalls = append(pendingCalls, openai.ToolCall{
				ID:   m.CallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      m.Name,
					Arguments: string(m.Input),
				},
			})

		case types.ToolReturn:
			flush()
			if !callIDs[m.CallID] {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: orphanReturnText(m.Name, m.Content),
				})
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: m.CallID,
				Content:    m.Content,
			})
		}
	}
	flush()

	return result
}

// convertOpenAITools converts tool definitions to OpenAI function format.
func convertOpenAITools(toolDefs []types.ToolDefinition) []openai.Tool {
	if len(toolDefs) == 0 {
		return nil
	}

	result := make([]openai.Tool, len(toolDefs))
	for i, td := range toolDefs {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.InputSchema,
			},
		}
	}
	return result
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/types"
)

const ollamaDefaultURL = "http://localhost:11434"

// OllamaProvider implements the Provider interface against a local Ollama
// server using its native /api/chat endpoint. No API key is required.
type OllamaProvider struct {
	name          string
	url           string
	model         string
	maxTokens     int
	contextTokens int
	client        *http.Client
	available     bool
	mu            sync.RWMutex
}

// ollamaChatRequest is the request body for the Ollama chat API
type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
	Options  *ollamaOptions      `json:"options,omitempty"`
}

// ollamaOptions contains model options like context size
type ollamaOptions struct {
	NumCtx int `json:"num_ctx,omitempty"`
}

// ollamaChatMessage represents a message in Ollama chat format
type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ollamaChatResponse is one chunk of the streamed chat response
type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

// NewOllamaProvider creates an Ollama provider from config.
func NewOllamaProvider(cfg Config) (*OllamaProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama: model is required")
	}

	url := strings.TrimSuffix(cfg.BaseURL, "/")
	if url == "" {
		url = ollamaDefaultURL
	}

	L_debug("ollama provider created", "url", url, "model", cfg.Model)

	return &OllamaProvider{
		name:          "ollama",
		url:           url,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		contextTokens: 8192,
		client:        &http.Client{Timeout: 5 * time.Minute},
		available:     true,
	}, nil
}

// Name returns the provider instance name
func (p *OllamaProvider) Name() string { return p.name }

// Type returns the provider driver type
func (p *OllamaProvider) Type() string { return "ollama" }

// Model returns the model identifier in use
func (p *OllamaProvider) Model() string { return p.model }

// IsAvailable reports whether the last request to the server succeeded.
func (p *OllamaProvider) IsAvailable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available
}

// ContextTokens returns the context window requested via num_ctx
func (p *OllamaProvider) ContextTokens() int {
	return p.contextTokens
}

func (p *OllamaProvider) setAvailable(ok bool) {
	p.mu.Lock()
	p.available = ok
	p.mu.Unlock()
}

// SimpleMessage sends a single message without history or tools.
func (p *OllamaProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	startTime := time.Now()
	L_info("llm: request started", "provider", p.name, "model", p.model, "chars", len(userMessage)+len(systemPrompt))

	messages := []ollamaChatMessage{}
	if systemPrompt != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ollamaChatMessage{Role: "user", Content: userMessage})

	reqBody := ollamaChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   false,
		Options:  &ollamaOptions{NumCtx: p.contextTokens},
	}

	resp, err := p.send(ctx, reqBody)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		L_error("ollama: failed to decode response", "error", err)
		return "", fmt.Errorf("decode response: %w", err)
	}

	L_info("llm: request completed", "provider", p.name, "duration", time.Since(startTime).Round(time.Millisecond),
		"responseChars", len(result.Message.Content))

	return result.Message.Content, nil
}

// StreamMessage sends a conversation to Ollama and streams the response.
// Ollama emits newline-delimited JSON chunks; tool calls arrive whole in a
// single chunk rather than as argument fragments.
func (p *OllamaProvider) StreamMessage(
	ctx context.Context,
	messages []types.Message,
	toolDefs []types.ToolDefinition,
	systemPrompt string,
	onDelta func(delta string),
) (*Response, error) {
	startTime := time.Now()
	L_info("llm: request started", "provider", p.name, "model", p.model, "messages", len(messages), "tools", len(toolDefs))

	ollamaMessages := convertOllamaMessages(messages)
	if systemPrompt != "" {
		ollamaMessages = append([]ollamaChatMessage{
			{Role: "system", Content: systemPrompt},
		}, ollamaMessages...)
	}

	reqBody := ollamaChatRequest{
		Model:    p.model,
		Messages: ollamaMessages,
		Stream:   true,
		Tools:    convertOllamaTools(toolDefs),
		Options:  &ollamaOptions{NumCtx: p.contextTokens},
	}

	resp, err := p.send(ctx, reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	response := &Response{}
	dec := json.NewDecoder(resp.Body)
	callSeq := 0

	for {
		var chunk ollamaChatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			L_error("ollama: stream decode failed", "error", err)
			return nil, fmt.Errorf("decode stream: %w", err)
		}

		if chunk.Message.Content != "" {
			if onDelta != nil {
				onDelta(chunk.Message.Content)
			}
			response.Text += chunk.Message.Content
		}

		for _, tc := range chunk.Message.ToolCalls {
			callSeq++
			response.ToolCalls = append(response.ToolCalls, ToolUse{
				ID:    fmt.Sprintf("ollama_call_%d", callSeq),
				Name:  tc.Function.Name,
				Input: tc.Function.Arguments,
			})
			L_info("llm: tool use", "tool", tc.Function.Name)
		}

		if chunk.Done {
			response.StopReason = chunk.DoneReason
			response.InputTokens = chunk.PromptEvalCount
			response.OutputTokens = chunk.EvalCount
			break
		}
	}

	L_info("llm: request completed", "provider", p.name, "duration", time.Since(startTime).Round(time.Millisecond),
		"inputTokens", response.InputTokens, "outputTokens", response.OutputTokens)

	return response, nil
}

func (p *OllamaProvider) send(ctx context.Context, reqBody ollamaChatRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := p.url + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.setAvailable(false)
		L_error("ollama: request failed, marking unavailable", "error", err)
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		L_error("ollama: request failed", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	p.setAvailable(true)
	return resp, nil
}

// convertOllamaMessages converts stored messages to Ollama chat format.
// Ollama carries no call ids, so pairing is positional; orphaned halves fold
// into plain text the same way the other providers handle them.
func convertOllamaMessages(messages []types.Message) []ollamaChatMessage {
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

	result := make([]ollamaChatMessage, 0, len(messages))

	for _, msg := range messages {
		switch m := msg.(type) {
		case types.UserPrompt:
			result = append(result, ollamaChatMessage{Role: "user", Content: m.Content})

		case types.AssistantText:
			if m.Content == "" {
				continue
			}
			result = append(result, ollamaChatMessage{Role: "assistant", Content: m.Content})

		case types.ToolCall:
			if !returnIDs[m.CallID] {
				result = append(result, ollamaChatMessage{
					Role:    "assistant",
					Content: orphanCallText(m.Name, m.Input),
				})
				continue
			}
			result = append(result, ollamaChatMessage{
				Role: "assistant",
				ToolCalls: []ollamaToolCall{{
					Function: ollamaToolCallFunction{
						Name:      m.Name,
						Arguments: m.Input,
					},
				}},
			})

		case types.ToolReturn:
			if !callIDs[m.CallID] {
				result = append(result, ollamaChatMessage{
					Role:    "user",
					Content: orphanReturnText(m.Name, m.Content),
				})
				continue
			}
			result = append(result, ollamaChatMessage{Role: "tool", Content: m.Content})
		}
	}

	return result
}

// convertOllamaTools converts tool definitions to Ollama's function format.
func convertOllamaTools(toolDefs []types.ToolDefinition) []ollamaTool {
	if len(toolDefs) == 0 {
		return nil
	}

	result := make([]ollamaTool, len(toolDefs))
	for i, td := range toolDefs {
		result[i] = ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.InputSchema,
			},
		}
	}
	return result
}

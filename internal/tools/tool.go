// Package tools provides the tool execution framework.
package tools

import (
	"context"
	"encoding/json"

	"github.com/pith-agent/pith/internal/types"
)

// Tool is the interface that all tools must implement
type Tool interface {
	// Name returns the unique name of the tool
	Name() string

	// Description returns a human-readable description for the LLM
	Description() string

	// Schema returns the JSON Schema for the tool's input parameters
	Schema() map[string]any

	// Execute runs the tool with the given input
	Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error)
}

// ToDefinition converts a Tool to the API format
func ToDefinition(t Tool) types.ToolDefinition {
	return types.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.Schema(),
	}
}

// FileSearchQuery carries the parameters for a workspace content search.
type FileSearchQuery struct {
	Pattern    string
	Glob       string
	Recursive  bool
	Literal    bool
	MaxResults int
}

// Dispatcher is implemented by the runtime and exposes one typed method per
// built-in tool. The per-turn agent is constructed from a prompt plus a
// Dispatcher value instead of rebuilding tool closures every turn.
//
// Methods return the model-visible result string. Soft failures the model
// should read as ordinary output ("old content not found", "no matches")
// come back as the string; hard failures (sandbox violations, I/O errors)
// come back as the error and surface as tool errors.
type Dispatcher interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) (string, error)
	EditFile(ctx context.Context, path, oldText, newText string) (string, error)
	ListDir(ctx context.Context, path, glob string, recursive bool) (string, error)
	FileSearch(ctx context.Context, q FileSearchQuery) (string, error)
	RunPython(ctx context.Context, code string) (string, error)
	MemorySave(ctx context.Context, content, kind string, tags []string) (string, error)
	MemorySearch(ctx context.Context, query string, limit int) (string, error)
	SetProfile(ctx context.Context, profileType, key, value string) (string, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
	ListSecrets(ctx context.Context) (string, error)
	StoreSecret(ctx context.Context, name string) (string, error)
}

// Truncate caps a tool output at max runes, marking the cut with a trailing
// ellipsis. Applied at dispatch so every tool shares the same ceiling.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pith-agent/pith/internal/types"
)

// Builtins returns the built-in tool set backed by the given dispatcher.
func Builtins(d Dispatcher) []Tool {
	return []Tool{
		&readTool{d},
		&writeTool{d},
		&editTool{d},
		&listDirTool{d},
		&fileSearchTool{d},
		&runPythonTool{d},
		&memorySaveTool{d},
		&memorySearchTool{d},
		&setProfileTool{d},
		&toolCallTool{d},
		&listSecretsTool{d},
		&storeSecretTool{d},
	}
}

// dispatch maps a typed dispatcher call onto a tool result. Hard errors
// surface as tool errors the model can react to.
func dispatch(out string, err error) (*types.ToolResult, error) {
	if err != nil {
		return types.ErrorResult(err.Error()), nil
	}
	return types.TextResult(out), nil
}

type readTool struct{ d Dispatcher }

func (t *readTool) Name() string        { return "read" }
func (t *readTool) Description() string { return "Read a file from the workspace." }

func (t *readTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path of the file to read.",
			},
		},
		"required": []string{"path"},
	}
}

func (t *readTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return dispatch(t.d.ReadFile(ctx, params.Path))
}

type writeTool struct{ d Dispatcher }

func (t *writeTool) Name() string        { return "write" }
func (t *writeTool) Description() string { return "Write content to a file in the workspace." }

func (t *writeTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path of the file to write.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full content to write. Parent directories are created.",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *writeTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return dispatch(t.d.WriteFile(ctx, params.Path, params.Content))
}

type editTool struct{ d Dispatcher }

func (t *editTool) Name() string        { return "edit" }
func (t *editTool) Description() string { return "Edit a file by replacing old text with new text." }

func (t *editTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path of the file to edit.",
			},
			"old": map[string]any{
				"type":        "string",
				"description": "Exact text to replace (first occurrence).",
			},
			"new": map[string]any{
				"type":        "string",
				"description": "Replacement text.",
			},
		},
		"required": []string{"path", "old", "new"},
	}
}

func (t *editTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
		Old  string `json:"old"`
		New  string `json:"new"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return dispatch(t.d.EditFile(ctx, params.Path, params.Old, params.New))
}

type listDirTool struct{ d Dispatcher }

func (t *listDirTool) Name() string { return "list_dir" }

func (t *listDirTool) Description() string {
	return "List files and directories at a workspace path. Returns one entry per line. " +
		"Use glob to filter (e.g. '*.py'). Non-recursive by default."
}

func (t *listDirTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list. Defaults to the workspace root.",
			},
			"glob": map[string]any{
				"type":        "string",
				"description": "Optional filename pattern filter, e.g. '*.md'.",
			},
			"recursive": map[string]any{
				"type":        "boolean",
				"description": "Recurse into subdirectories. Default false.",
			},
		},
	}
}

func (t *listDirTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	params := struct {
		Path      string `json:"path"`
		Glob      string `json:"glob"`
		Recursive bool   `json:"recursive"`
	}{Path: "."}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Path == "" {
		params.Path = "."
	}
	return dispatch(t.d.ListDir(ctx, params.Path, params.Glob, params.Recursive))
}

type fileSearchTool struct{ d Dispatcher }

func (t *fileSearchTool) Name() string { return "file_search" }

func (t *fileSearchTool) Description() string {
	return "Search file contents for a pattern (regex or literal). " +
		"Searches workspace files matching the optional glob filter. " +
		"Returns matching lines with file path and line number."
}

func (t *fileSearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression (or literal text if literal=true) to search for.",
			},
			"glob": map[string]any{
				"type":        "string",
				"description": "Filename pattern to limit the search. Default '*'.",
			},
			"recursive": map[string]any{
				"type":        "boolean",
				"description": "Search subdirectories. Default true.",
			},
			"literal": map[string]any{
				"type":        "boolean",
				"description": "Treat pattern as literal text instead of a regex. Default false.",
			},
			"max_results": map[string]any{
				"type":        "integer",
				"description": "Stop after this many matching lines. Default 50.",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *fileSearchTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params struct {
		Pattern    string `json:"pattern"`
		Glob       string `json:"glob"`
		Recursive  *bool  `json:"recursive"`
		Literal    bool   `json:"literal"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	q := FileSearchQuery{
		Pattern:    params.Pattern,
		Glob:       params.Glob,
		Recursive:  true,
		Literal:    params.Literal,
		MaxResults: params.MaxResults,
	}
	if params.Recursive != nil {
		q.Recursive = *params.Recursive
	}
	if q.Glob == "" {
		q.Glob = "*"
	}
	if q.MaxResults <= 0 {
		q.MaxResults = 50
	}
	return dispatch(t.d.FileSearch(ctx, q))
}

type runPythonTool struct{ d Dispatcher }

func (t *runPythonTool) Name() string { return "run_python" }

func (t *runPythonTool) Description() string {
	return "Run Python code in a sandboxed interpreter. " +
		"Has access to read(path), write(path, content), edit(path, old, new) " +
		"functions for file operations. No filesystem, network, or import access " +
		"beyond these functions. Returns the final expression value or printed output."
}

func (t *runPythonTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "Python code to execute.",
			},
		},
		"required": []string{"code"},
	}
}

func (t *runPythonTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return dispatch(t.d.RunPython(ctx, params.Code))
}

type memorySaveTool struct{ d Dispatcher }

func (t *memorySaveTool) Name() string        { return "memory_save" }
func (t *memorySaveTool) Description() string { return "Save a memory entry for future recall." }

func (t *memorySaveTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The fact or context to remember.",
			},
			"kind": map[string]any{
				"type":        "string",
				"description": "Entry kind, e.g. 'durable' or 'episodic'. Default 'durable'.",
			},
			"tags": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional tags for the entry.",
			},
		},
		"required": []string{"content"},
	}
}

func (t *memorySaveTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params struct {
		Content string   `json:"content"`
		Kind    string   `json:"kind"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Kind == "" {
		params.Kind = "durable"
	}
	return dispatch(t.d.MemorySave(ctx, params.Content, params.Kind, params.Tags))
}

type memorySearchTool struct{ d Dispatcher }

func (t *memorySearchTool) Name() string        { return "memory_search" }
func (t *memorySearchTool) Description() string { return "Search memory entries by query." }

func (t *memorySearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Full-text search query.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum entries to return. Default 8.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *memorySearchTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Limit <= 0 {
		params.Limit = 8
	}
	return dispatch(t.d.MemorySearch(ctx, params.Query, params.Limit))
}

type setProfileTool struct{ d Dispatcher }

func (t *setProfileTool) Name() string { return "set_profile" }

func (t *setProfileTool) Description() string {
	return "Set a profile field for agent or user identity."
}

func (t *setProfileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"profile_type": map[string]any{
				"type":        "string",
				"description": "Either 'agent' or 'user'.",
			},
			"key": map[string]any{
				"type":        "string",
				"description": "Field name, e.g. 'name' or 'nature'.",
			},
			"value": map[string]any{
				"type":        "string",
				"description": "Field value.",
			},
		},
		"required": []string{"profile_type", "key", "value"},
	}
}

func (t *setProfileTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params struct {
		ProfileType string `json:"profile_type"`
		Key         string `json:"key"`
		Value       string `json:"value"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return dispatch(t.d.SetProfile(ctx, params.ProfileType, params.Key, params.Value))
}

type toolCallTool struct{ d Dispatcher }

func (t *toolCallTool) Name() string { return "tool_call" }

func (t *toolCallTool) Description() string {
	return "Call an extension or MCP tool by name. Use for tools not built-in."
}

func (t *toolCallTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Extension or MCP tool name.",
			},
			"args": map[string]any{
				"type":        "object",
				"description": "Arguments to pass to the tool.",
			},
		},
		"required": []string{"name"},
	}
}

func (t *toolCallTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if len(params.Args) == 0 {
		params.Args = json.RawMessage(`{}`)
	}
	return dispatch(t.d.CallTool(ctx, params.Name, params.Args))
}

type listSecretsTool struct{ d Dispatcher }

func (t *listSecretsTool) Name() string { return "list_secrets" }

func (t *listSecretsTool) Description() string {
	return "List the names of stored secrets (environment variables from .env). " +
		"Returns only key names, never values."
}

func (t *listSecretsTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *listSecretsTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	return dispatch(t.d.ListSecrets(ctx))
}

type storeSecretTool struct{ d Dispatcher }

func (t *storeSecretTool) Name() string { return "store_secret" }

func (t *storeSecretTool) Description() string {
	return "Store a secret (API key, token, etc). Prompts the user to enter the " +
		"value securely — you will never see the value. Only provide the key name."
}

func (t *storeSecretTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Environment variable name for the secret, e.g. 'GITHUB_TOKEN'.",
			},
		},
		"required": []string{"name"},
	}
}

func (t *storeSecretTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return dispatch(t.d.StoreSecret(ctx, params.Name))
}

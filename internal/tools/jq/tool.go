// Package jq queries and transforms JSON using jq syntax.
package jq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/sandbox"
	"github.com/pith-agent/pith/internal/types"
)

// Tool queries and transforms JSON using jq syntax
type Tool struct {
	sb *sandbox.Sandbox
}

// NewTool creates a new jq tool confined to the given workspace sandbox
func NewTool(sb *sandbox.Sandbox) *Tool {
	return &Tool{sb: sb}
}

func (t *Tool) Name() string {
	return "jq"
}

func (t *Tool) Description() string {
	return "Query and transform JSON using jq syntax. Reads from a workspace file or inline JSON."
}

func (t *Tool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "jq query/filter expression (e.g., '.items[] | .name')",
			},
			"file": map[string]any{
				"type":        "string",
				"description": "Workspace path of a JSON file to query. Mutually exclusive with 'input'.",
			},
			"input": map[string]any{
				"type":        "string",
				"description": "Inline JSON string to query. Mutually exclusive with 'file'.",
			},
			"raw": map[string]any{
				"type":        "boolean",
				"description": "Output raw strings without JSON encoding (like jq -r). Default: false",
			},
			"compact": map[string]any{
				"type":        "boolean",
				"description": "Compact output (no pretty-printing). Default: false",
			},
		},
		"required": []string{"query"},
	}
}

type jqInput struct {
	Query   string `json:"query"`
	File    string `json:"file,omitempty"`
	Input   string `json:"input,omitempty"`
	Raw     bool   `json:"raw,omitempty"`
	Compact bool   `json:"compact,omitempty"`
}

func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params jqInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if params.Query == "" {
		return nil, errors.New("query is required")
	}
	if params.File != "" && params.Input != "" {
		return nil, errors.New("cannot specify both 'file' and 'input'")
	}
	if params.File == "" && params.Input == "" {
		return nil, errors.New("must specify one of: 'file' or 'input'")
	}

	var data []byte
	if params.File != "" {
		content, err := t.sb.ReadFile(params.File)
		if err != nil {
			return types.ErrorResult(err.Error()), nil
		}
		data = []byte(content)
		L_debug("jq tool: read file", "file", params.File, "bytes", len(data))
	} else {
		data = []byte(params.Input)
	}

	result, err := executeJQ(ctx, params.Query, data, params.Raw, params.Compact)
	if err != nil {
		return types.ErrorResult(err.Error()), nil
	}

	L_debug("jq tool: query completed", "resultLen", len(result))
	return types.TextResult(result), nil
}

// executeJQ parses and executes a jq query on JSON data
func executeJQ(ctx context.Context, query string, data []byte, raw bool, compact bool) (string, error) {
	var input interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return "", fmt.Errorf("invalid jq query: %w", err)
	}

	var results []interface{}
	iter := parsed.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return "", fmt.Errorf("jq error: %w", err)
		}
		results = append(results, v)
	}

	return formatJQOutput(results, raw, compact)
}

// formatJQOutput formats jq results for output
func formatJQOutput(results []interface{}, raw bool, compact bool) (string, error) {
	var lines []string
	for _, r := range results {
		if raw {
			if s, ok := r.(string); ok {
				lines = append(lines, s)
				continue
			}
			if r == nil {
				lines = append(lines, "null")
				continue
			}
		}

		var b []byte
		var err error
		if compact || raw {
			b, err = json.Marshal(r)
		} else {
			b, err = json.MarshalIndent(r, "", "  ")
		}
		if err != nil {
			return "", fmt.Errorf("failed to encode result: %w", err)
		}
		lines = append(lines, string(b))
	}
	return strings.Join(lines, "\n"), nil
}

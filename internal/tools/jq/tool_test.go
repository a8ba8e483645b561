package jq

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pith-agent/pith/internal/sandbox"
)

func TestExecuteJQ(t *testing.T) {
	ctx := context.Background()
	data := []byte(`{"items":[{"name":"a","n":1},{"name":"b","n":2}]}`)

	out, err := executeJQ(ctx, ".items[] | .name", data, false, false)
	if err != nil {
		t.Fatalf("executeJQ: %v", err)
	}
	if out != "\"a\"\n\"b\"" {
		t.Errorf("output = %q", out)
	}

	out, err = executeJQ(ctx, ".items[] | .name", data, true, false)
	if err != nil {
		t.Fatalf("executeJQ raw: %v", err)
	}
	if out != "a\nb" {
		t.Errorf("raw output = %q", out)
	}

	out, err = executeJQ(ctx, ".items[0]", data, false, true)
	if err != nil {
		t.Fatalf("executeJQ compact: %v", err)
	}
	if out != `{"n":1,"name":"a"}` {
		t.Errorf("compact output = %q", out)
	}
}

func TestExecuteJQErrors(t *testing.T) {
	ctx := context.Background()

	if _, err := executeJQ(ctx, ".foo", []byte("not json"), false, false); err == nil {
		t.Error("expected invalid JSON error")
	}
	if _, err := executeJQ(ctx, ".[|", []byte(`{}`), false, false); err == nil {
		t.Error("expected invalid query error")
	}
}

func TestToolExecuteFromFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.json"), []byte(`{"x":42}`), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	tool := NewTool(sandbox.New(dir))
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":".x","file":"data.json"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", res.GetText())
	}
	if res.GetText() != "42" {
		t.Errorf("result = %q, want 42", res.GetText())
	}
}

func TestToolExecuteEscapingPath(t *testing.T) {
	tool := NewTool(sandbox.New(t.TempDir()))
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":".","file":"../outside.json"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("path escape should surface as a tool error")
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pith-agent/pith/internal/config"
	. "github.com/pith-agent/pith/internal/logging"
)

// callTimeout bounds every JSON-RPC exchange.
const callTimeout = 30 * time.Second

// ErrUnknownTool is returned by Call for names no refresh registered,
// including tools dropped by a refresh between lookup and call.
var ErrUnknownTool = errors.New("unknown remote tool")

// DefaultPrefix namespaces remote tool names when none is configured.
const DefaultPrefix = "mcp"

// ServerConfig is one <name>.yaml file in the remote-config directory.
type ServerConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// Tool is a remote tool registered under its prefixed name.
type Tool struct {
	Server      string
	Name        string // name on the remote server
	FullName    string // <prefix>_<server>_<name>
	Description string
	InputSchema map[string]any
}

// RefreshStats summarizes a Refresh pass.
type RefreshStats struct {
	Servers  int // configs found
	Tools    int // tools registered
	Warnings int // servers skipped
}

// Registry discovers remote servers from YAML configs and proxies tool
// calls to them. A server that fails to answer tools/list is skipped
// with a warning; the rest keep working.
type Registry struct {
	dir    string
	prefix string
	ids    atomic.Int64

	mu         sync.RWMutex
	tools      map[string]Tool      // keyed by FullName
	transports map[string]Transport // keyed by server name
}

// NewRegistry creates a registry over the given config directory. An
// empty prefix falls back to DefaultPrefix.
func NewRegistry(dir, prefix string) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Registry{
		dir:        dir,
		prefix:     prefix,
		tools:      make(map[string]Tool),
		transports: make(map[string]Transport),
	}
}

// Prefix returns the configured tool-name prefix.
func (r *Registry) Prefix() string {
	return r.prefix
}

// loadServerConfig parses one server YAML, interpolating ${VAR}
// references in the url and header values.
func loadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("mcp config %s missing 'url'", path)
	}

	cfg.URL = config.Interpolate(cfg.URL)
	for k, v := range cfg.Headers {
		cfg.Headers[k] = config.Interpolate(v)
	}
	return &cfg, nil
}

// Refresh rescans the config directory and queries each server for its
// tools. The registered set is swapped wholesale; per-server failures
// log one warning and do not disturb the others.
func (r *Registry) Refresh(ctx context.Context) RefreshStats {
	var stats RefreshStats
	tools := make(map[string]Tool)
	transports := make(map[string]Transport)

	entries, err := os.ReadDir(r.dir)
	if err != nil && !os.IsNotExist(err) {
		L_warn("mcp: cannot read config directory", "path", r.dir, "error", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "_") {
			continue
		}
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, fileName := range names {
		stats.Servers++
		server := strings.TrimSuffix(strings.TrimSuffix(fileName, ".yaml"), ".yml")
		path := filepath.Join(r.dir, fileName)

		listed, transport, err := r.listServer(ctx, path)
		if err != nil {
			stats.Warnings++
			L_warn(fmt.Sprintf("mcp: server '%s' skipped", server), "error", err)
			continue
		}

		transports[server] = transport
		for _, info := range listed {
			tool := Tool{
				Server:      server,
				Name:        info.Name,
				FullName:    fmt.Sprintf("%s_%s_%s", r.prefix, server, info.Name),
				Description: info.Description,
				InputSchema: decodeSchema(info.InputSchema),
			}
			tools[tool.FullName] = tool
		}
		L_info("mcp: server registered", "server", server, "tools", len(listed))
	}

	r.mu.Lock()
	r.tools = tools
	r.transports = transports
	r.mu.Unlock()

	stats.Tools = len(tools)
	return stats
}

// listServer connects to one server and fetches its tool list.
func (r *Registry) listServer(ctx context.Context, path string) ([]toolInfo, Transport, error) {
	cfg, err := loadServerConfig(path)
	if err != nil {
		return nil, nil, err
	}
	transport, err := NewTransport(cfg.URL, cfg.Headers)
	if err != nil {
		return nil, nil, err
	}

	result, err := r.rpc(ctx, transport, MethodToolsList, map[string]any{})
	if err != nil {
		return nil, nil, err
	}

	var listed toolsListResult
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return listed.Tools, transport, nil
}

// rpc performs one request/response exchange, unwrapping the JSON-RPC
// error envelope.
func (r *Registry) rpc(ctx context.Context, transport Transport, method string, params any) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req := newRequest(int(r.ids.Add(1)), method, params)
	resp, err := transport.Send(callCtx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

func decodeSchema(raw json.RawMessage) map[string]any {
	if len(raw) > 0 {
		var schema map[string]any
		if err := json.Unmarshal(raw, &schema); err == nil {
			return schema
		}
	}
	return map[string]any{"type": "object"}
}

// HasTool reports whether a tool is registered under that full name.
func (r *Registry) HasTool(fullName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[fullName]
	return ok
}

// Tools returns the current snapshot sorted by full name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].FullName < out[b].FullName })
	return out
}

// Call invokes a remote tool by its full prefixed name. The result is
// the text content blocks joined by newlines.
func (r *Registry) Call(ctx context.Context, fullName string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[fullName]
	if !ok {
		r.mu.RUnlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, fullName)
	}
	transport := r.transports[tool.Server]
	r.mu.RUnlock()

	arguments := make(map[string]any)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	L_debug("mcp: calling remote tool", "tool", fullName, "server", tool.Server)
	result, err := r.rpc(ctx, transport, MethodToolsCall, toolCallParams{
		Name:      tool.Name,
		Arguments: arguments,
	})
	if err != nil {
		return "", err
	}

	var call toolCallResult
	if err := json.Unmarshal(result, &call); err != nil {
		return "", fmt.Errorf("decode tools/call result: %w", err)
	}

	var parts []string
	for _, block := range call.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

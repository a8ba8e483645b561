// Package extensions discovers and runs workspace plugins. A plugin is
// an executable program: tools run once per call with JSON arguments,
// channels are long-running processes speaking JSON lines. The agent
// can author its own extensions through the file tools, so discovery
// re-runs whenever the directories change.
package extensions

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	. "github.com/pith-agent/pith/internal/logging"
)

// DefaultTimeout bounds a single extension tool invocation.
const DefaultTimeout = 60 * time.Second

// ErrUnknownTool is returned by CallTool for names discovery never saw,
// including tools removed by a rescan between lookup and call.
var ErrUnknownTool = errors.New("unknown extension tool")

// Tool is a discovered tool executable.
type Tool struct {
	Name        string
	Path        string
	Description string
	Timeout     time.Duration
}

// Channel is a discovered channel executable.
type Channel struct {
	Name string
	Path string
}

// manifest is the optional <name>.yaml sidecar next to a tool.
type manifest struct {
	Description string `yaml:"description"`
	Timeout     int    `yaml:"timeout"` // seconds
}

// Registry discovers extensions under the workspace and executes tool
// calls. Refresh swaps both maps wholesale, so lookups see either the
// old or the new snapshot, never a partial one.
type Registry struct {
	toolsDir     string
	channelsDir  string
	remotePrefix string

	mu       sync.RWMutex
	tools    map[string]Tool
	channels map[string]Channel
}

// NewRegistry creates a registry over the given extension directories.
// remotePrefix is the remote-tool prefix whose namespace local tools
// must not shadow.
func NewRegistry(toolsDir, channelsDir, remotePrefix string) *Registry {
	return &Registry{
		toolsDir:     toolsDir,
		channelsDir:  channelsDir,
		remotePrefix: remotePrefix,
		tools:        make(map[string]Tool),
		channels:     make(map[string]Channel),
	}
}

// Refresh rescans both directories and replaces the registry contents.
// A broken extension (not executable, bad manifest, reserved name)
// fails the whole refresh and leaves the previous snapshot in place.
func (r *Registry) Refresh() error {
	tools, err := r.discoverTools()
	if err != nil {
		return err
	}
	channels, err := r.discoverChannels()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tools = tools
	r.channels = channels
	r.mu.Unlock()

	L_info("extensions: refreshed", "tools", len(tools), "channels", len(channels))
	return nil
}

func (r *Registry) discoverTools() (map[string]Tool, error) {
	tools := make(map[string]Tool)

	entries, err := os.ReadDir(r.toolsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return tools, nil
		}
		return nil, fmt.Errorf("read tool extensions: %w", err)
	}

	for _, entry := range entries {
		fileName := entry.Name()
		if skipEntry(entry) {
			continue
		}

		name := stem(fileName)
		if strings.HasPrefix(name, r.remotePrefix+"_") {
			return nil, fmt.Errorf("extension tool '%s' collides with remote prefix '%s'", name, r.remotePrefix)
		}
		if _, dup := tools[name]; dup {
			return nil, fmt.Errorf("duplicate extension tool '%s'", name)
		}

		path := filepath.Join(r.toolsDir, fileName)
		if err := assertExecutable(entry, path); err != nil {
			return nil, err
		}

		tool := Tool{Name: name, Path: path, Timeout: DefaultTimeout}
		if err := r.applyManifest(&tool); err != nil {
			return nil, err
		}
		if tool.Description == "" {
			tool.Description = commentDescription(path)
		}

		tools[name] = tool
		L_debug("extensions: tool discovered", "tool", name, "path", path)
	}
	return tools, nil
}

func (r *Registry) discoverChannels() (map[string]Channel, error) {
	channels := make(map[string]Channel)

	entries, err := os.ReadDir(r.channelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return channels, nil
		}
		return nil, fmt.Errorf("read channel extensions: %w", err)
	}

	for _, entry := range entries {
		fileName := entry.Name()
		if skipEntry(entry) {
			continue
		}

		path := filepath.Join(r.channelsDir, fileName)
		if err := assertExecutable(entry, path); err != nil {
			return nil, err
		}

		name := stem(fileName)
		if _, dup := channels[name]; dup {
			return nil, fmt.Errorf("duplicate extension channel '%s'", name)
		}
		channels[name] = Channel{Name: name, Path: path}
		L_debug("extensions: channel discovered", "channel", name, "path", path)
	}
	return channels, nil
}

// skipEntry filters directory noise: subdirectories, underscore-prefixed
// names (disabled extensions), dotfiles and manifest sidecars.
func skipEntry(entry os.DirEntry) bool {
	name := entry.Name()
	return entry.IsDir() ||
		strings.HasPrefix(name, "_") ||
		strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, ".yaml") ||
		strings.HasSuffix(name, ".yml")
}

// stem strips the file extension so weather.sh and weather register
// under the same tool name.
func stem(fileName string) string {
	return strings.TrimSuffix(fileName, filepath.Ext(fileName))
}

func assertExecutable(entry os.DirEntry, path string) error {
	info, err := entry.Info()
	if err != nil {
		return fmt.Errorf("stat extension %s: %w", path, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("extension '%s' is not executable", entry.Name())
	}
	return nil
}

// applyManifest merges the optional sidecar into the tool. A missing
// sidecar is fine; a malformed one fails the refresh.
func (r *Registry) applyManifest(tool *Tool) error {
	path := filepath.Join(r.toolsDir, tool.Name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest %s: %w", path, err)
	}
	tool.Description = m.Description
	if m.Timeout > 0 {
		tool.Timeout = time.Duration(m.Timeout) * time.Second
	}
	return nil
}

// commentDescription extracts the leading #-comment block of a script,
// skipping the shebang. Binary tools without one simply have no
// description.
func commentDescription(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var lines []string
	started := false
	scanner := bufio.NewScanner(f)
	for i := 0; scanner.Scan() && i < 40; i++ {
		line := strings.TrimSpace(scanner.Text())
		if i == 0 && strings.HasPrefix(line, "#!") {
			continue
		}
		if strings.HasPrefix(line, "#") {
			text := strings.TrimSpace(strings.TrimPrefix(line, "#"))
			if text == "" && !started {
				continue
			}
			lines = append(lines, text)
			started = true
			continue
		}
		if line == "" && !started {
			continue
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// HasTool reports whether a tool of that name is registered.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Tools returns the current tool snapshot sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Channels returns the current channel snapshot sorted by name.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// CallTool runs a tool executable with the JSON-encoded args both on
// stdin and as the single positional argument, and returns its stdout
// with trailing newlines trimmed. Failures come back as errors for the
// caller to surface as tool output.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	L_debug("extensions: calling tool", "tool", name, "path", tool.Path)

	cmd := exec.CommandContext(execCtx, tool.Path, string(args))
	cmd.Stdin = bytes.NewReader(args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stderr.Len() > 0 {
		L_debug("extensions: tool stderr", "tool", name, "stderr", tail(stderr.String(), 500))
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("extension tool '%s' timed out after %s", name, timeout)
	}
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("extension tool '%s' failed: %v: %s", name, err, tail(msg, 500))
		}
		return "", fmt.Errorf("extension tool '%s' failed: %w", name, err)
	}

	return strings.TrimRight(stdout.String(), "\n"), nil
}

// tail keeps the last max runes of diagnostic output, where the useful
// part of a stack trace lives.
func tail(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return "..." + string(runes[len(runes)-max:])
}

package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pith-agent/pith/internal/config"
	"github.com/pith-agent/pith/internal/extensions"
	"github.com/pith-agent/pith/internal/interp"
	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/mcp"
	"github.com/pith-agent/pith/internal/tools"
)

// dispatcher implements tools.Dispatcher for one turn. It carries the
// turn's event channel so store_secret can reach the client.
type dispatcher struct {
	rt          *Runtime
	events      chan<- ChatEvent
	interactive bool
}

func (d *dispatcher) ReadFile(ctx context.Context, path string) (string, error) {
	data, err := d.rt.sb.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *dispatcher) WriteFile(ctx context.Context, path, content string) (string, error) {
	resolved, err := d.rt.sb.WriteFile(path, []byte(content))
	if err != nil {
		return "", err
	}
	return "written " + resolved, nil
}

func (d *dispatcher) EditFile(ctx context.Context, path, oldText, newText string) (string, error) {
	data, err := d.rt.sb.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := string(data)
	if !strings.Contains(text, oldText) {
		return "old content not found", nil
	}
	text = strings.Replace(text, oldText, newText, 1)
	resolved, err := d.rt.sb.WriteFile(path, []byte(text))
	if err != nil {
		return "", err
	}
	return "edited " + resolved, nil
}

func (d *dispatcher) ListDir(ctx context.Context, path, glob string, recursive bool) (string, error) {
	target, err := d.rt.sb.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return "not a directory: " + path, nil
	}

	var lines []string
	appendEntry := func(entryPath string, isDir bool, name string) {
		if glob != "" {
			if ok, _ := doublestar.Match(glob, name); !ok {
				return
			}
		}
		rel := d.rt.sb.Rel(entryPath)
		if isDir {
			rel += "/"
		}
		lines = append(lines, rel)
	}

	if recursive {
		filepath.WalkDir(target, func(p string, entry fs.DirEntry, err error) error {
			if err != nil || p == target {
				return nil
			}
			appendEntry(p, entry.IsDir(), entry.Name())
			return nil
		})
	} else {
		entries, err := os.ReadDir(target)
		if err != nil {
			return "", err
		}
		for _, entry := range entries {
			appendEntry(filepath.Join(target, entry.Name()), entry.IsDir(), entry.Name())
		}
	}

	sort.Strings(lines)
	if len(lines) == 0 {
		return "(empty)", nil
	}
	return strings.Join(lines, "\n"), nil
}

func (d *dispatcher) FileSearch(ctx context.Context, q tools.FileSearchQuery) (string, error) {
	var re *regexp.Regexp
	if q.Literal {
		re = regexp.MustCompile(regexp.QuoteMeta(q.Pattern))
	} else {
		var err error
		re, err = regexp.Compile(q.Pattern)
		if err != nil {
			return "invalid regex: " + err.Error(), nil
		}
	}

	files, err := d.searchFiles(q.Glob, q.Recursive)
	if err != nil {
		return "", err
	}

	var matches []string
scan:
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil || !utf8.Valid(data) {
			continue
		}
		rel := d.rt.sb.Rel(file)

		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		lineno := 0
		for scanner.Scan() {
			lineno++
			line := scanner.Text()
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, lineno, line))
				if len(matches) >= q.MaxResults {
					break scan
				}
			}
		}
	}

	if len(matches) == 0 {
		return "no matches", nil
	}
	return strings.Join(matches, "\n"), nil
}

// searchFiles collects candidate files sorted by path. Globs with a path
// separator match workspace-relative paths; bare patterns match file names.
func (d *dispatcher) searchFiles(glob string, recursive bool) ([]string, error) {
	root := d.rt.sb.Root()

	if !recursive {
		rels, err := doublestar.Glob(os.DirFS(root), glob)
		if err != nil {
			return nil, err
		}
		var files []string
		for _, rel := range rels {
			full := filepath.Join(root, filepath.FromSlash(rel))
			if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() {
				files = append(files, full)
			}
		}
		sort.Strings(files)
		return files, nil
	}

	pathGlob := strings.Contains(glob, "/")
	var files []string
	filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		name := entry.Name()
		if pathGlob {
			name = filepath.ToSlash(d.rt.sb.Rel(p))
		}
		if ok, _ := doublestar.Match(glob, name); ok {
			files = append(files, p)
		}
		return nil
	})
	sort.Strings(files)
	return files, nil
}

func (d *dispatcher) RunPython(ctx context.Context, code string) (string, error) {
	host := interp.Host{
		Read: func(path string) (string, error) {
			return d.ReadFile(ctx, path)
		},
		Write: func(path, content string) (string, error) {
			return d.WriteFile(ctx, path, content)
		},
		Edit: func(path, oldText, newText string) (string, error) {
			return d.EditFile(ctx, path, oldText, newText)
		},
	}
	return strings.TrimSpace(interp.Run(ctx, code, host)), nil
}

func (d *dispatcher) MemorySave(ctx context.Context, content, kind string, tags []string) (string, error) {
	id, err := d.rt.store.MemorySave(ctx, content, kind, tags, "tool")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("memory_saved:%d", id), nil
}

func (d *dispatcher) MemorySearch(ctx context.Context, query string, limit int) (string, error) {
	records, err := d.rt.store.MemorySearch(ctx, query, limit)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "[]", nil
	}

	payload := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		payload = append(payload, map[string]any{
			"id":      rec.ID,
			"content": rec.Content,
			"kind":    rec.Kind,
			"tags":    rec.Tags,
			"source":  rec.Source,
		})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *dispatcher) SetProfile(ctx context.Context, profileType, key, value string) (string, error) {
	if profileType != "agent" && profileType != "user" {
		return "profile_type must be 'agent' or 'user'", nil
	}
	if err := d.rt.store.SetProfile(ctx, profileType, key, value); err != nil {
		return "", err
	}
	return fmt.Sprintf("profile_set:%s.%s=%s", profileType, key, value), nil
}

func (d *dispatcher) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if err := d.rt.store.LogEvent(ctx, "tool_call.start", "info", map[string]interface{}{
		"name": name,
		"args": parseToolArgs(args),
	}); err != nil {
		L_warn("tool_call: failed to log start", "name", name, "error", err)
	}

	var out string
	var err error
	switch {
	case d.rt.exts.HasTool(name):
		out, err = d.rt.exts.CallTool(ctx, name, args)
	case d.rt.remote.HasTool(name):
		out, err = d.rt.remote.Call(ctx, name, args)
	default:
		return "unknown tool: " + name, nil
	}
	if err != nil {
		// A rescan can drop the tool between HasTool and the call.
		if errors.Is(err, extensions.ErrUnknownTool) || errors.Is(err, mcp.ErrUnknownTool) {
			return "unknown tool: " + name, nil
		}
		msg := err.Error()
		if logErr := d.rt.store.LogEvent(ctx, "tool_call.error", "error", map[string]interface{}{
			"name":  name,
			"error": msg,
		}); logErr != nil {
			L_warn("tool_call: failed to log error", "name", name, "error", logErr)
		}
		return msg, nil
	}
	return out, nil
}

func (d *dispatcher) ListSecrets(ctx context.Context) (string, error) {
	names, err := config.EnvFileKeys(d.rt.paths.EnvFile)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *dispatcher) StoreSecret(ctx context.Context, name string) (string, error) {
	if !d.interactive {
		return "error: non-interactive session — ask the user to set this secret via the CLI", nil
	}

	requestID, valueCh := d.rt.secrets.register()
	defer d.rt.secrets.drop(requestID)

	// Only the name is logged, never the value.
	if err := d.rt.store.LogEvent(ctx, "secret.request", "info", map[string]interface{}{
		"name": name,
	}); err != nil {
		L_warn("store_secret: failed to log request", "name", name, "error", err)
	}

	if !emit(ctx, d.events, SecretRequest{RequestID: requestID, Name: name}) {
		return "", ctx.Err()
	}

	select {
	case value := <-valueCh:
		if value == "" {
			return "error: no value provided", nil
		}
		if err := config.WriteEnvValue(d.rt.paths.EnvFile, name, value); err != nil {
			return "", fmt.Errorf("failed to store secret: %w", err)
		}
		os.Setenv(name, value)
		return fmt.Sprintf("stored secret '%s'", name), nil
	case <-time.After(secretWait):
		return "error: timed out waiting for secret input", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

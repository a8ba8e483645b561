// Package sandbox confines file operations to the agent workspace.
// Every file tool resolves its path here before touching disk.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	. "github.com/pith-agent/pith/internal/logging"
)

// Unicode spaces that should be normalized to regular space
var unicodeSpaces = regexp.MustCompile(`[\x{00A0}\x{2000}-\x{200A}\x{202F}\x{205F}\x{3000}]`)

// Sandbox validates and performs file access under a single root.
// The config directory (config.yaml, .env) sits outside the root, so
// the agent cannot reach it through file tools.
type Sandbox struct {
	root string
}

// New creates a sandbox rooted at the given workspace directory.
func New(root string) *Sandbox {
	return &Sandbox{root: filepath.Clean(root)}
}

// Root returns the workspace root.
func (s *Sandbox) Root() string {
	return s.root
}

func normalizeUnicodeSpaces(v string) string {
	return unicodeSpaces.ReplaceAllString(v, " ")
}

// expandPath handles ~ expansion and unicode normalization for tool paths.
// A ~ path resolves outside the workspace and fails validation below,
// which is the answer the model should see.
func expandPath(filePath string) string {
	normalized := normalizeUnicodeSpaces(filePath)

	if normalized == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(normalized, "~/") {
		home, _ := os.UserHomeDir()
		return home + normalized[1:]
	}
	return normalized
}

// Resolve validates that a path stays inside the workspace and contains
// no symlinked components. Relative paths resolve against the root.
func (s *Sandbox) Resolve(inputPath string) (string, error) {
	expanded := expandPath(inputPath)

	var resolved string
	if filepath.IsAbs(expanded) {
		resolved = filepath.Clean(expanded)
	} else {
		resolved = filepath.Clean(filepath.Join(s.root, expanded))
	}

	relative, err := filepath.Rel(s.root, resolved)
	if err != nil {
		return "", fmt.Errorf("path escapes workspace: %s", inputPath)
	}
	if strings.HasPrefix(relative, "..") || filepath.IsAbs(relative) {
		L_warn("sandbox: path escapes workspace", "path", inputPath, "resolved", resolved, "root", s.root)
		return "", fmt.Errorf("path escapes workspace: %s", inputPath)
	}

	if relative != "" && relative != "." {
		if err := s.assertNoSymlink(relative); err != nil {
			return "", err
		}
	}

	L_trace("sandbox: path validated", "input", inputPath, "resolved", resolved)
	return resolved, nil
}

// Rel returns the workspace-relative form of a resolved path, for
// display in tool output.
func (s *Sandbox) Rel(resolved string) string {
	relative, err := filepath.Rel(s.root, resolved)
	if err != nil {
		return resolved
	}
	return relative
}

func (s *Sandbox) assertNoSymlink(relative string) error {
	parts := strings.Split(relative, string(filepath.Separator))
	current := s.root

	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		current = filepath.Join(current, part)

		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to stat path component: %w", err)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			L_warn("sandbox: symlink detected in path", "path", current)
			return fmt.Errorf("symlink not allowed in workspace path: %s", current)
		}
	}

	return nil
}

// ReadFile validates the path and reads the file contents.
func (s *Sandbox) ReadFile(inputPath string) ([]byte, error) {
	resolved, err := s.Resolve(inputPath)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return content, nil
}

// WriteFile validates the path, creates parent directories and writes
// atomically (temp file + rename), preserving the permissions of an
// existing file.
func (s *Sandbox) WriteFile(inputPath string, data []byte) (string, error) {
	resolved, err := s.Resolve(inputPath)
	if err != nil {
		return "", err
	}

	perm := os.FileMode(0644)
	if info, err := os.Stat(resolved); err == nil {
		perm = info.Mode().Perm()
		L_trace("sandbox: preserving file permissions", "path", resolved, "perm", perm)
	}

	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".pith-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return "", fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, resolved); err != nil {
		return "", fmt.Errorf("atomic rename failed: %w", err)
	}

	success = true
	return resolved, nil
}

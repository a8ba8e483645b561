package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveInsideWorkspace(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	cases := []struct {
		input string
		want  string
	}{
		{"notes.md", filepath.Join(root, "notes.md")},
		{"sub/dir/file.txt", filepath.Join(root, "sub", "dir", "file.txt")},
		{"./notes.md", filepath.Join(root, "notes.md")},
		{"sub/../notes.md", filepath.Join(root, "notes.md")},
		{".", root},
		{filepath.Join(root, "abs.txt"), filepath.Join(root, "abs.txt")},
	}

	for _, tc := range cases {
		got, err := s.Resolve(tc.input)
		if err != nil {
			t.Errorf("Resolve(%q) failed: %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveEscapes(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	escapes := []string{
		"../outside.txt",
		"../../etc/passwd",
		"sub/../../outside.txt",
		"/etc/passwd",
		"..",
	}

	for _, input := range escapes {
		_, err := s.Resolve(input)
		if err == nil {
			t.Errorf("Resolve(%q) should fail", input)
			continue
		}
		if !strings.Contains(err.Error(), "path escapes workspace") {
			t.Errorf("Resolve(%q) error = %q, want escape message", input, err)
		}
		// The offending input appears in the message
		if !strings.Contains(err.Error(), input) {
			t.Errorf("Resolve(%q) error %q should include the input path", input, err)
		}
	}
}

func TestResolveSymlink(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	s := New(root)

	link := filepath.Join(root, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	if _, err := s.Resolve("sneaky/file.txt"); err == nil {
		t.Error("expected symlinked component to be rejected")
	}
}

func TestReadWrite(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	resolved, err := s.WriteFile("sub/notes.md", []byte("remember the milk"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if resolved != filepath.Join(root, "sub", "notes.md") {
		t.Errorf("resolved = %q", resolved)
	}

	content, err := s.ReadFile("sub/notes.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "remember the milk" {
		t.Errorf("content = %q", content)
	}

	// Overwrite preserves existing permissions
	if err := os.Chmod(resolved, 0600); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := s.WriteFile("sub/notes.md", []byte("updated")); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %v, want 0600 preserved", info.Mode().Perm())
	}

	if _, err := s.WriteFile("../evil.txt", []byte("nope")); err == nil {
		t.Error("write outside workspace should fail")
	}
	if _, err := s.ReadFile("missing.txt"); err == nil {
		t.Error("read of missing file should fail")
	}
}

func TestRel(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	resolved, err := s.Resolve("a/b.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := s.Rel(resolved); got != filepath.Join("a", "b.txt") {
		t.Errorf("Rel = %q", got)
	}
}

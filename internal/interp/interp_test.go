package interp

import (
	"context"
	"strings"
	"testing"
)

func TestExpressionValue(t *testing.T) {
	got := Run(context.Background(), "1 + 2", Host{})
	if got != "3" {
		t.Errorf("got %q, want 3", got)
	}
}

func TestStringValueUnquoted(t *testing.T) {
	got := Run(context.Background(), `"ab" + "cd"`, Host{})
	if got != "abcd" {
		t.Errorf("got %q, want abcd", got)
	}
}

func TestPrintedOutput(t *testing.T) {
	code := "total = 0\n" +
		"for n in [1, 2, 3]:\n" +
		"    total += n\n" +
		"print(total)\n" +
		"print(\"done\")\n"
	got := Run(context.Background(), code, Host{})
	if got != "6\ndone" {
		t.Errorf("got %q", got)
	}
}

func TestWhileLoop(t *testing.T) {
	code := "n = 0\n" +
		"while n < 5:\n" +
		"    n += 1\n" +
		"print(n)\n"
	got := Run(context.Background(), code, Host{})
	if got != "5" {
		t.Errorf("got %q, want 5", got)
	}
}

func TestHostCallbacks(t *testing.T) {
	files := map[string]string{"notes.txt": "hello"}
	host := Host{
		Read: func(path string) (string, error) {
			return files[path], nil
		},
		Write: func(path, content string) (string, error) {
			files[path] = content
			return "written " + path, nil
		},
		Edit: func(path, old, new string) (string, error) {
			files[path] = strings.Replace(files[path], old, new, 1)
			return "edited " + path, nil
		},
	}

	code := "text = read(\"notes.txt\")\n" +
		"write(\"copy.txt\", text + \" world\")\n" +
		"edit(\"copy.txt\", \"hello\", \"goodbye\")\n" +
		"print(read(\"copy.txt\"))\n"
	got := Run(context.Background(), code, host)
	if got != "goodbye world" {
		t.Errorf("got %q", got)
	}
	if files["copy.txt"] != "goodbye world" {
		t.Errorf("copy.txt = %q", files["copy.txt"])
	}
}

func TestKeywordArguments(t *testing.T) {
	var gotPath, gotContent string
	host := Host{
		Write: func(path, content string) (string, error) {
			gotPath, gotContent = path, content
			return "ok", nil
		},
	}
	Run(context.Background(), `write(path="a.txt", content="body")`, host)
	if gotPath != "a.txt" || gotContent != "body" {
		t.Errorf("write(%q, %q)", gotPath, gotContent)
	}
}

func TestErrorRenderedAsText(t *testing.T) {
	got := Run(context.Background(), "1 // 0", Host{})
	if !strings.HasPrefix(got, "error: ") {
		t.Errorf("got %q, want error prefix", got)
	}
}

func TestSyntaxErrorRenderedAsText(t *testing.T) {
	got := Run(context.Background(), "def broken(:\n    pass\n", Host{})
	if !strings.HasPrefix(got, "error: ") {
		t.Errorf("got %q, want error prefix", got)
	}
}

func TestPrintBeforeFailureSurvives(t *testing.T) {
	code := "print(\"partial\")\n" +
		"x = 1 // 0\n"
	got := Run(context.Background(), code, Host{})
	if !strings.HasPrefix(got, "partial\n") {
		t.Errorf("printed output lost: %q", got)
	}
	if !strings.Contains(got, "error: ") {
		t.Errorf("error missing: %q", got)
	}
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := Run(ctx, "while True:\n    pass\n", Host{})
	if !strings.HasPrefix(got, "error: ") {
		t.Errorf("cancelled run returned %q", got)
	}
}

func TestNoAmbientBuiltins(t *testing.T) {
	// Nothing beyond the three host callbacks and the language core is
	// reachable; open() must not exist.
	got := Run(context.Background(), `open("/etc/passwd")`, Host{})
	if !strings.HasPrefix(got, "error: ") {
		t.Errorf("open() should be undefined, got %q", got)
	}
}

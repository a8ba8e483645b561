package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSystemPromptBootstrap(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})

	prompt, err := rt.buildSystemPrompt(context.Background(), true, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(prompt, "You are pith — a new personal AI agent, just coming online for the first time.") {
		t.Errorf("prompt start = %q", prompt[:80])
	}
	if !strings.Contains(prompt, "Use the set_profile tool") {
		t.Error("bootstrap prompt missing set_profile instruction")
	}
	if strings.Contains(prompt, "## Guidelines") {
		t.Error("bootstrap prompt should not carry the normal guidelines")
	}
}

func TestSystemPromptNormal(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})
	completeBootstrap(t, rt)

	soul := "# Soul\nDry humor, no exclamation marks."
	if err := os.WriteFile(rt.paths.SoulFile, []byte(soul), 0644); err != nil {
		t.Fatalf("write soul: %v", err)
	}

	prompt, err := rt.buildSystemPrompt(context.Background(), false, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if !strings.HasPrefix(prompt, "You are iris, a personal AI agent. Your user is sam.") {
		t.Errorf("identity = %q", strings.SplitN(prompt, "\n", 2)[0])
	}
	if !strings.Contains(prompt, soul) {
		t.Error("soul file not included")
	}
	if !strings.Contains(prompt, "You ARE iris — never refer to yourself in third person.") {
		t.Error("guidelines not interpolated with agent name")
	}
	if !strings.Contains(prompt, "# Profiles\nAgent:\n  name: iris\n  nature: AI assistant\nUser:\n  name: sam") {
		t.Errorf("profiles section missing:\n%s", prompt)
	}
	if strings.Contains(prompt, "# Additional tools") {
		t.Error("tools section present with no extension or remote tools")
	}
}

func TestSystemPromptFallbackName(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})

	prompt, err := rt.buildSystemPrompt(context.Background(), false, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(prompt, "You are pith, a personal AI agent.") {
		t.Errorf("fallback identity = %q", strings.SplitN(prompt, "\n", 2)[0])
	}
}

func TestSystemPromptAdditionalToolsAndChannel(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})
	completeBootstrap(t, rt)
	ctx := context.Background()

	script := filepath.Join(rt.paths.ToolExtDir, "weather")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n# Fetch the local forecast.\necho sunny\n"), 0755); err != nil {
		t.Fatalf("write extension: %v", err)
	}
	rt.RefreshTools(ctx)

	prompt, err := rt.buildSystemPrompt(ctx, false, "telegram")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if !strings.Contains(prompt, "# Additional tools (call via tool_call)\n- weather") {
		t.Errorf("additional tools section missing:\n%s", prompt)
	}
	if !strings.HasSuffix(prompt, "# Channel\ntelegram") {
		t.Errorf("channel section missing or misplaced:\n%s", prompt)
	}
}

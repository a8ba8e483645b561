package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/pith-agent/pith/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Options{
		Path:      filepath.Join(dir, "memory.db"),
		EventsLog: filepath.Join(dir, "logs", "events.jsonl"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	s := openTestStore(t)

	// Running migrations again on an up-to-date database must be a no-op
	if err := s.EnsureSchema(); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}
	if err := s.EnsureSchema(); err != nil {
		t.Fatalf("third EnsureSchema: %v", err)
	}

	for _, table := range []string{
		"app_state", "profiles", "sessions", "messages",
		"session_summaries", "memory_entries", "memory_fts",
		"extension_tools", "audit_log",
	} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestAppState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetAppState(ctx, "missing", "fallback")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "fallback" {
		t.Errorf("missing key = %q, want fallback", got)
	}

	if err := s.SetAppState(ctx, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetAppState(ctx, "k", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = s.GetAppState(ctx, "k", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "v2" {
		t.Errorf("k = %q, want v2", got)
	}
}

func TestProfiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetProfile(ctx, ProfileAgent, "nature", "assistant"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetProfile(ctx, ProfileAgent, "name", "pith"); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Upsert replaces
	if err := s.SetProfile(ctx, ProfileAgent, "name", "sprout"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	fields, err := s.GetProfile(ctx, ProfileAgent)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(fields))
	}
	// Ordered by key: name before nature
	if fields[0].Key != "name" || fields[0].Value != "sprout" {
		t.Errorf("fields[0] = %+v", fields[0])
	}
	if fields[1].Key != "nature" {
		t.Errorf("fields[1] = %+v", fields[1])
	}

	// profile types are independent
	userFields, err := s.GetProfile(ctx, ProfileUser)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if len(userFields) != 0 {
		t.Errorf("user profile should be empty, got %+v", userFields)
	}
}

func TestBootstrapDerivation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	complete, err := s.BootstrapComplete(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if complete {
		t.Error("fresh store should not be bootstrapped")
	}

	// Two of three fields is not enough
	s.SetProfile(ctx, ProfileAgent, "name", "pith")
	s.SetProfile(ctx, ProfileAgent, "nature", "assistant")
	if complete, _ = s.BootstrapComplete(ctx); complete {
		t.Error("partial identity should not derive completion")
	}

	s.SetProfile(ctx, ProfileUser, "name", "david")
	if complete, _ = s.BootstrapComplete(ctx); !complete {
		t.Error("full identity should derive completion")
	}

	// Reconcile persists the flag
	derived, err := s.ReconcileBootstrap(ctx)
	if err != nil || !derived {
		t.Fatalf("reconcile = %v, %v", derived, err)
	}
	flag, _ := s.GetAppState(ctx, StateBootstrapComplete, "")
	if flag != "1" {
		t.Errorf("flag = %q, want 1", flag)
	}
}

func TestBootstrapMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SetProfile(ctx, ProfileAgent, "name", "pith")
	s.SetProfile(ctx, ProfileAgent, "nature", "assistant")
	s.SetProfile(ctx, ProfileUser, "name", "david")
	if _, err := s.ReconcileBootstrap(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// Blanking a field after the flag is set must not flip it back
	s.SetProfile(ctx, ProfileUser, "name", "")
	complete, err := s.BootstrapComplete(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !complete {
		t.Error("bootstrap flag must be monotone")
	}

	// Explicit false is a no-op
	if err := s.SetBootstrapComplete(ctx, false); err != nil {
		t.Fatalf("set false: %v", err)
	}
	if complete, _ = s.BootstrapComplete(ctx); !complete {
		t.Error("SetBootstrapComplete(false) must not unset the flag")
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureActiveSession(ctx)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ok, _ := regexp.MatchString(`^\d{8}T\d{6}\.\d+$`, first); !ok {
		t.Errorf("session id %q does not match YYYYMMDDTHHMMSS.<unix>", first)
	}

	// Ensure returns the same session while it stays active
	again, err := s.EnsureActiveSession(ctx)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again != first {
		t.Errorf("ensure created a new session: %s != %s", again, first)
	}

	// NewSession always creates and installs
	second, err := s.NewSession(ctx)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if second == first {
		t.Error("NewSession returned the previous id")
	}

	active, _ := s.GetAppState(ctx, StateActiveSession, "")
	if active != second {
		t.Errorf("active pointer = %q, want %q", active, second)
	}

	sess, err := s.GetSession(ctx, second)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.IsActive {
		t.Error("new session should be active")
	}
	old, err := s.GetSession(ctx, first)
	if err != nil {
		t.Fatalf("get old session: %v", err)
	}
	if old.IsActive {
		t.Error("previous session should have been deactivated")
	}

	if _, err := s.GetSession(ctx, "20200101T000000.1577836800"); err != ErrSessionNotFound {
		t.Errorf("unknown session error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionIDsUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id, err := s.NewSession(ctx)
		if err != nil {
			t.Fatalf("new session %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("duplicate session id %s", id)
		}
		seen[id] = true
	}
}

func TestMessageHistoryOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sid, err := s.NewSession(ctx)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	for i := 1; i <= 30; i++ {
		err := s.AppendMessages(ctx, sid, []types.Message{
			types.UserPrompt{Content: fmt.Sprintf("message %d", i)},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	history, err := s.MessageHistory(ctx, sid, 20)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 20 {
		t.Fatalf("history len = %d, want 20", len(history))
	}

	// The window is the LAST 20, returned oldest-first: 11..30
	firstPrompt, ok := history[0].(types.UserPrompt)
	if !ok {
		t.Fatalf("history[0] is %T", history[0])
	}
	if firstPrompt.Content != "message 11" {
		t.Errorf("history starts at %q, want message 11", firstPrompt.Content)
	}
	lastPrompt := history[19].(types.UserPrompt)
	if lastPrompt.Content != "message 30" {
		t.Errorf("history ends at %q, want message 30", lastPrompt.Content)
	}
}

func TestMessageRoundTripThroughStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sid, _ := s.NewSession(ctx)
	original := []types.Message{
		types.UserPrompt{Content: "call a tool", Channel: "http"},
		types.ToolCall{CallID: "c1", Name: "read", Input: json.RawMessage(`{"path":"a.txt"}`)},
		types.ToolReturn{CallID: "c1", Name: "read", Content: "contents", IsError: false},
		types.AssistantText{Content: "done"},
	}
	if err := s.AppendMessages(ctx, sid, original); err != nil {
		t.Fatalf("append: %v", err)
	}

	history, err := s.MessageHistory(ctx, sid, 20)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != len(original) {
		t.Fatalf("history len = %d, want %d", len(history), len(original))
	}
	for i := range original {
		wantJSON, _ := types.MarshalMessage(original[i])
		gotJSON, _ := types.MarshalMessage(history[i])
		if string(wantJSON) != string(gotJSON) {
			t.Errorf("message %d changed:\n want %s\n  got %s", i, wantJSON, gotJSON)
		}
	}
}

func TestCompaction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sid, _ := s.NewSession(ctx)
	for i := 1; i <= 10; i++ {
		s.AppendMessages(ctx, sid, []types.Message{
			types.UserPrompt{Content: fmt.Sprintf("msg %d", i)},
		})
	}

	evicted, err := s.CompactSession(ctx, sid, 3)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if evicted != 7 {
		t.Errorf("evicted = %d, want 7", evicted)
	}

	history, err := s.MessageHistory(ctx, sid, 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history len = %d, want 3", len(history))
	}
	// The newest three survive
	if got := history[0].(types.UserPrompt).Content; got != "msg 8" {
		t.Errorf("oldest kept = %q, want msg 8", got)
	}

	summaries, err := s.SessionSummaries(ctx, sid)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(summaries))
	}
	lines := strings.Split(summaries[0].Text, "\n")
	if len(lines) != 7 {
		t.Errorf("summary has %d lines, want 7", len(lines))
	}
	for i, line := range lines {
		if len([]rune(line)) > 200 {
			t.Errorf("summary line %d exceeds 200 chars", i)
		}
	}
	// Entries keep chronological order and the serialized form
	if !strings.Contains(lines[0], "msg 1") {
		t.Errorf("first summary line should hold msg 1: %q", lines[0])
	}

	// Compacting again under the threshold is a no-op
	evicted, err = s.CompactSession(ctx, sid, 3)
	if err != nil {
		t.Fatalf("second compact: %v", err)
	}
	if evicted != 0 {
		t.Errorf("second compact evicted %d, want 0", evicted)
	}
	if summaries, _ = s.SessionSummaries(ctx, sid); len(summaries) != 1 {
		t.Errorf("second compact wrote another summary")
	}
}

func TestCompactionTruncatesLongEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sid, _ := s.NewSession(ctx)
	long := strings.Repeat("x", 500)
	for i := 0; i < 3; i++ {
		s.AppendMessages(ctx, sid, []types.Message{types.UserPrompt{Content: long}})
	}

	if _, err := s.CompactSession(ctx, sid, 1); err != nil {
		t.Fatalf("compact: %v", err)
	}
	summaries, _ := s.SessionSummaries(ctx, sid)
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d", len(summaries))
	}
	for _, line := range strings.Split(summaries[0].Text, "\n") {
		if len([]rune(line)) > 200 {
			t.Errorf("line length %d exceeds 200", len([]rune(line)))
		}
	}
}

func TestLogEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.LogEvent(ctx, "chat.start", "info", map[string]interface{}{"session": "abc"})
	if err != nil {
		t.Fatalf("log event: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE event = 'chat.start'").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("audit rows = %d, want 1", count)
	}

	data, err := os.ReadFile(s.eventsLog)
	if err != nil {
		t.Fatalf("read events.jsonl: %v", err)
	}
	var line struct {
		Event   string                 `json:"event"`
		Level   string                 `json:"level"`
		Payload map[string]interface{} `json:"payload"`
		TS      string                 `json:"ts"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if line.Event != "chat.start" || line.Level != "info" {
		t.Errorf("line = %+v", line)
	}
	if line.Payload["session"] != "abc" {
		t.Errorf("payload = %+v", line.Payload)
	}
	if line.TS == "" {
		t.Error("ts missing")
	}
}

func TestRecordExtensionTools(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := []ExtensionTool{
		{Name: "weather", Description: "Fetch the weather", Path: "/ext/weather"},
		{Name: "stocks", Description: "", Path: "/ext/stocks"},
	}
	if err := s.RecordExtensionTools(ctx, first); err != nil {
		t.Fatalf("record: %v", err)
	}

	// A refresh replaces the whole set
	second := []ExtensionTool{{Name: "weather", Description: "v2", Path: "/ext/weather"}}
	if err := s.RecordExtensionTools(ctx, second); err != nil {
		t.Fatalf("replace: %v", err)
	}

	rows, err := s.db.Query("SELECT name, description FROM extension_tools ORDER BY name")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	var got []ExtensionTool
	for rows.Next() {
		var tool ExtensionTool
		if err := rows.Scan(&tool.Name, &tool.Description); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, tool)
	}
	if len(got) != 1 || got[0].Name != "weather" || got[0].Description != "v2" {
		t.Errorf("recorded tools = %+v", got)
	}
}

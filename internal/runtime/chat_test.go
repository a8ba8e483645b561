package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/pith-agent/pith/internal/config"
	"github.com/pith-agent/pith/internal/cron"
	"github.com/pith-agent/pith/internal/extensions"
	"github.com/pith-agent/pith/internal/llm"
	"github.com/pith-agent/pith/internal/mcp"
	"github.com/pith-agent/pith/internal/store"
	"github.com/pith-agent/pith/internal/types"
)

// stubProvider replays scripted responses and records what it was asked.
type stubProvider struct {
	responses []llm.Response
	windows   [][]types.Message
	prompts   []string
	err       error
}

func (p *stubProvider) Name() string       { return "stub" }
func (p *stubProvider) Type() string       { return "stub" }
func (p *stubProvider) Model() string      { return "stub-model" }
func (p *stubProvider) IsAvailable() bool  { return true }
func (p *stubProvider) ContextTokens() int { return 200000 }

func (p *stubProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	return "", nil
}

func (p *stubProvider) StreamMessage(
	ctx context.Context,
	messages []types.Message,
	toolDefs []types.ToolDefinition,
	systemPrompt string,
	onDelta func(delta string),
) (*llm.Response, error) {
	if p.err != nil {
		return nil, p.err
	}

	window := make([]types.Message, len(messages))
	copy(window, messages)
	p.windows = append(p.windows, window)
	p.prompts = append(p.prompts, systemPrompt)

	resp := llm.Response{Text: "ok", StopReason: "end_turn"}
	if len(p.responses) > 0 {
		resp = p.responses[0]
		p.responses = p.responses[1:]
	}
	if resp.Text != "" && onDelta != nil {
		onDelta(resp.Text)
	}
	return &resp, nil
}

func newTestRuntime(t *testing.T, provider llm.Provider) *Runtime {
	t.Helper()

	paths, err := config.DerivePaths(t.TempDir())
	if err != nil {
		t.Fatalf("derive paths: %v", err)
	}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	st, err := store.Open(store.Options{Path: paths.Database, EventsLog: paths.EventsLog})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	rt := New(Options{
		Config:     cfg,
		Paths:      paths,
		Store:      st,
		Provider:   provider,
		Extensions: extensions.NewRegistry(paths.ToolExtDir, paths.ChanExtDir, cfg.Agent.RemotePrefix),
		Remote:     mcp.NewRegistry(paths.RemoteDir, cfg.Agent.RemotePrefix),
	})
	if err := rt.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return rt
}

// completeBootstrap stores the three identity fields and reconciles the
// flag so turns run in normal mode.
func completeBootstrap(t *testing.T, rt *Runtime) {
	t.Helper()
	ctx := context.Background()

	if err := rt.store.SetProfile(ctx, store.ProfileAgent, "name", "iris"); err != nil {
		t.Fatalf("set agent name: %v", err)
	}
	if err := rt.store.SetProfile(ctx, store.ProfileAgent, "nature", "AI assistant"); err != nil {
		t.Fatalf("set agent nature: %v", err)
	}
	if err := rt.store.SetProfile(ctx, store.ProfileUser, "name", "sam"); err != nil {
		t.Fatalf("set user name: %v", err)
	}
	if _, err := rt.store.ReconcileBootstrap(ctx); err != nil {
		t.Fatalf("reconcile bootstrap: %v", err)
	}
}

func collectEvents(t *testing.T, rt *Runtime, req ChatRequest) []ChatEvent {
	t.Helper()
	events := make(chan ChatEvent, 64)
	go rt.Chat(context.Background(), req, events)

	var got []ChatEvent
	for ev := range events {
		got = append(got, ev)
	}
	return got
}

func eventKinds(events []ChatEvent) []string {
	var kinds []string
	for _, ev := range events {
		switch ev.(type) {
		case TextDelta:
			kinds = append(kinds, "text")
		case ToolCallEvent:
			kinds = append(kinds, "tool")
		case ToolResultEvent:
			kinds = append(kinds, "tool_result")
		case SecretRequest:
			kinds = append(kinds, "secret_request")
		case Done:
			kinds = append(kinds, "done")
		case Error:
			kinds = append(kinds, "error")
		}
	}
	return kinds
}

func TestChatPlainTurn(t *testing.T) {
	provider := &stubProvider{responses: []llm.Response{
		{Text: "hello there", StopReason: "end_turn"},
	}}
	rt := newTestRuntime(t, provider)
	completeBootstrap(t, rt)
	ctx := context.Background()

	events := collectEvents(t, rt, ChatRequest{Message: "hi", Channel: "http"})

	kinds := eventKinds(events)
	if !reflect.DeepEqual(kinds, []string{"text", "done"}) {
		t.Fatalf("event kinds = %v", kinds)
	}
	done := events[len(events)-1].(Done)
	if done.Text != "hello there" {
		t.Errorf("done text = %q", done.Text)
	}

	sessionID, err := rt.store.EnsureActiveSession(ctx)
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	history, err := rt.store.MessageHistory(ctx, sessionID, 20)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(history))
	}
	user, ok := history[0].(types.UserPrompt)
	if !ok || user.Content != "hi" || user.Channel != "http" {
		t.Errorf("user message = %#v", history[0])
	}
	if reply, ok := history[1].(types.AssistantText); !ok || reply.Content != "hello there" {
		t.Errorf("assistant message = %#v", history[1])
	}
}

func TestChatToolLoop(t *testing.T) {
	provider := &stubProvider{responses: []llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolUse{{
				ID:    "t1",
				Name:  "set_profile",
				Input: json.RawMessage(`{"profile_type":"agent","key":"name","value":"iris"}`),
			}},
		},
		{Text: "saved", StopReason: "end_turn"},
	}}
	rt := newTestRuntime(t, provider)
	completeBootstrap(t, rt)
	ctx := context.Background()

	events := collectEvents(t, rt, ChatRequest{Message: "call yourself iris"})

	kinds := eventKinds(events)
	want := []string{"tool", "tool_result", "text", "done"}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}

	call := events[0].(ToolCallEvent)
	if call.Name != "set_profile" || call.Args["key"] != "name" {
		t.Errorf("tool call event = %#v", call)
	}
	if result := events[1].(ToolResultEvent); !result.Success {
		t.Errorf("tool result marked failed: %#v", result)
	}

	// Second model call must see the tool return in the window.
	if len(provider.windows) != 2 {
		t.Fatalf("provider called %d times, want 2", len(provider.windows))
	}
	second := provider.windows[1]
	ret, ok := second[len(second)-1].(types.ToolReturn)
	if !ok {
		t.Fatalf("last message of second window = %#v", second[len(second)-1])
	}
	if ret.Content != "profile_set:agent.name=iris" || ret.IsError {
		t.Errorf("tool return = %#v", ret)
	}

	sessionID, _ := rt.store.EnsureActiveSession(ctx)
	history, err := rt.store.MessageHistory(ctx, sessionID, 20)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("persisted %d messages, want 4", len(history))
	}
	if _, ok := history[1].(types.ToolCall); !ok {
		t.Errorf("second message = %#v, want tool call", history[1])
	}
	if _, ok := history[2].(types.ToolReturn); !ok {
		t.Errorf("third message = %#v, want tool return", history[2])
	}
}

func TestChatUnknownToolContinues(t *testing.T) {
	provider := &stubProvider{responses: []llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolUse{{
				ID:    "t1",
				Name:  "does_not_exist",
				Input: json.RawMessage(`{}`),
			}},
		},
		{Text: "never mind", StopReason: "end_turn"},
	}}
	rt := newTestRuntime(t, provider)
	completeBootstrap(t, rt)

	events := collectEvents(t, rt, ChatRequest{Message: "try something"})

	var result ToolResultEvent
	for _, ev := range events {
		if r, ok := ev.(ToolResultEvent); ok {
			result = r
		}
	}
	if result.Name != "does_not_exist" || result.Success {
		t.Errorf("tool result = %#v, want failure", result)
	}

	second := provider.windows[1]
	ret := second[len(second)-1].(types.ToolReturn)
	if ret.Content != "unknown tool: does_not_exist" || !ret.IsError {
		t.Errorf("tool return = %#v", ret)
	}
}

func TestChatProviderErrorPersistsNothing(t *testing.T) {
	provider := &stubProvider{err: errors.New("model unavailable")}
	rt := newTestRuntime(t, provider)
	completeBootstrap(t, rt)
	ctx := context.Background()

	events := collectEvents(t, rt, ChatRequest{Message: "hi"})

	last, ok := events[len(events)-1].(Error)
	if !ok || last.Message != "model unavailable" {
		t.Fatalf("last event = %#v", events[len(events)-1])
	}

	sessionID, _ := rt.store.EnsureActiveSession(ctx)
	count, err := rt.store.MessageCount(ctx, sessionID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("persisted %d messages on failed turn, want 0", count)
	}
}

func TestChatMemoryRecallPreface(t *testing.T) {
	provider := &stubProvider{}
	rt := newTestRuntime(t, provider)
	completeBootstrap(t, rt)
	ctx := context.Background()

	if _, err := rt.store.MemorySave(ctx, "the cat is named Mochi", "durable", nil, "test"); err != nil {
		t.Fatalf("memory save: %v", err)
	}

	collectEvents(t, rt, ChatRequest{Message: "Mochi"})

	window := provider.windows[0]
	user := window[len(window)-1].(types.UserPrompt)
	want := "[Relevant memories]\n- the cat is named Mochi\n\nMochi"
	if user.Content != want {
		t.Errorf("user content = %q, want %q", user.Content, want)
	}
}

func TestChatHistoryWindow(t *testing.T) {
	provider := &stubProvider{}
	rt := newTestRuntime(t, provider)
	completeBootstrap(t, rt)
	ctx := context.Background()

	sessionID, err := rt.store.EnsureActiveSession(ctx)
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	var seed []types.Message
	for i := 0; i < 15; i++ {
		seed = append(seed,
			types.UserPrompt{Content: "ping"},
			types.AssistantText{Content: "pong"},
		)
	}
	if err := rt.store.AppendMessages(ctx, sessionID, seed); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	collectEvents(t, rt, ChatRequest{Message: "latest"})

	// 20 history messages plus the new user prompt.
	window := provider.windows[0]
	if len(window) != 21 {
		t.Errorf("window size = %d, want 21", len(window))
	}
	if user, ok := window[len(window)-1].(types.UserPrompt); !ok || user.Content != "latest" {
		t.Errorf("last window message = %#v", window[len(window)-1])
	}
}

func TestChatBootstrapFlow(t *testing.T) {
	provider := &stubProvider{responses: []llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolUse{
				{ID: "t1", Name: "set_profile", Input: json.RawMessage(`{"profile_type":"agent","key":"name","value":"iris"}`)},
				{ID: "t2", Name: "set_profile", Input: json.RawMessage(`{"profile_type":"agent","key":"nature","value":"companion"}`)},
				{ID: "t3", Name: "set_profile", Input: json.RawMessage(`{"profile_type":"user","key":"name","value":"sam"}`)},
			},
		},
		{Text: "I'm ready", StopReason: "end_turn"},
	}}
	rt := newTestRuntime(t, provider)
	ctx := context.Background()

	collectEvents(t, rt, ChatRequest{Message: "hello?"})

	if !strings.Contains(provider.prompts[0], "just coming online for the first time") {
		t.Errorf("first turn should use the bootstrap prompt, got %q", provider.prompts[0])
	}

	complete, err := rt.store.BootstrapComplete(ctx)
	if err != nil {
		t.Fatalf("bootstrap state: %v", err)
	}
	if !complete {
		t.Error("bootstrap not marked complete after all profile fields were set")
	}

	// The next turn runs in normal mode with the chosen identity.
	provider.responses = []llm.Response{{Text: "hi sam", StopReason: "end_turn"}}
	collectEvents(t, rt, ChatRequest{Message: "hi again"})

	last := provider.prompts[len(provider.prompts)-1]
	if !strings.HasPrefix(last, "You are iris, a personal AI agent. Your user is sam.") {
		t.Errorf("normal prompt = %q", last)
	}
}

func TestChatSecretFlow(t *testing.T) {
	t.Setenv("WEATHER_API_KEY", "")

	provider := &stubProvider{responses: []llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolUse{{
				ID:    "t1",
				Name:  "store_secret",
				Input: json.RawMessage(`{"name":"WEATHER_API_KEY"}`),
			}},
		},
		{Text: "stored", StopReason: "end_turn"},
	}}
	rt := newTestRuntime(t, provider)
	completeBootstrap(t, rt)
	ctx := context.Background()

	events := make(chan ChatEvent, 64)
	go rt.Chat(ctx, ChatRequest{Message: "set up weather", Interactive: true}, events)

	var got []ChatEvent
	for ev := range events {
		got = append(got, ev)
		if req, ok := ev.(SecretRequest); ok {
			if req.Name != "WEATHER_API_KEY" {
				t.Errorf("secret request name = %q", req.Name)
			}
			if len(req.RequestID) != 12 {
				t.Errorf("request id = %q, want 12 chars", req.RequestID)
			}
			rt.ProvideSecret(req.RequestID, "s3cr3t-value")
		}
	}

	kinds := eventKinds(got)
	want := []string{"tool", "secret_request", "tool_result", "text", "done"}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}

	// Value lands in .env and the process environment, but never in the
	// transcript.
	data, err := os.ReadFile(rt.paths.EnvFile)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	if !strings.Contains(string(data), "WEATHER_API_KEY=s3cr3t-value") {
		t.Errorf(".env = %q", data)
	}
	if os.Getenv("WEATHER_API_KEY") != "s3cr3t-value" {
		t.Errorf("process env not updated")
	}

	sessionID, _ := rt.store.EnsureActiveSession(ctx)
	history, err := rt.store.MessageHistory(ctx, sessionID, 20)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, msg := range history {
		data, err := types.MarshalMessage(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if strings.Contains(string(data), "s3cr3t-value") {
			t.Fatalf("secret value leaked into transcript: %s", data)
		}
	}
	ret := history[2].(types.ToolReturn)
	if ret.Content != "stored secret 'WEATHER_API_KEY'" {
		t.Errorf("tool return = %q", ret.Content)
	}
}

func TestChatTextNonInteractiveSecret(t *testing.T) {
	provider := &stubProvider{responses: []llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolUse{{
				ID:    "t1",
				Name:  "store_secret",
				Input: json.RawMessage(`{"name":"SOME_KEY"}`),
			}},
		},
		{Text: "understood", StopReason: "end_turn"},
	}}
	rt := newTestRuntime(t, provider)
	completeBootstrap(t, rt)
	ctx := context.Background()

	text, err := rt.ChatText(ctx, ChatRequest{Message: "store a key"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if text != "understood" {
		t.Errorf("text = %q", text)
	}

	second := provider.windows[1]
	ret := second[len(second)-1].(types.ToolReturn)
	if ret.Content != "error: non-interactive session — ask the user to set this secret via the CLI" {
		t.Errorf("tool return = %q", ret.Content)
	}
}

func TestCompactAndInfo(t *testing.T) {
	provider := &stubProvider{}
	rt := newTestRuntime(t, provider)
	completeBootstrap(t, rt)
	rt.cfg.Agent.CompactKeep = 2
	ctx := context.Background()

	sessionID, err := rt.store.EnsureActiveSession(ctx)
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	var seed []types.Message
	for i := 0; i < 4; i++ {
		seed = append(seed,
			types.UserPrompt{Content: "q"},
			types.AssistantText{Content: "a"},
		)
	}
	if err := rt.store.AppendMessages(ctx, sessionID, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	msg, err := rt.Compact(ctx, "")
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if msg != "compacted session "+sessionID {
		t.Errorf("compact message = %q", msg)
	}
	count, _ := rt.store.MessageCount(ctx, sessionID)
	if count != 2 {
		t.Errorf("messages after compact = %d, want 2", count)
	}

	out, err := rt.Info(ctx, "")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	var info struct {
		SessionID         string            `json:"session_id"`
		BootstrapComplete bool              `json:"bootstrap_complete"`
		MessageCount      int               `json:"message_count"`
		EstimatedTokens   int               `json:"estimated_tokens"`
		AgentProfile      map[string]string `json:"agent_profile"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("info json: %v\n%s", err, out)
	}
	if info.SessionID != sessionID {
		t.Errorf("session_id = %q", info.SessionID)
	}
	if !info.BootstrapComplete {
		t.Error("bootstrap_complete = false")
	}
	if info.MessageCount != 2 {
		t.Errorf("message_count = %d, want 2", info.MessageCount)
	}
	if info.EstimatedTokens <= 0 {
		t.Errorf("estimated_tokens = %d", info.EstimatedTokens)
	}
	if info.AgentProfile["name"] != "iris" {
		t.Errorf("agent_profile = %v", info.AgentProfile)
	}
}

func TestCronRunnerRunsTurn(t *testing.T) {
	provider := &stubProvider{responses: []llm.Response{
		{Text: "reminder sent", StopReason: "end_turn"},
	}}
	rt := newTestRuntime(t, provider)
	completeBootstrap(t, rt)

	runner := rt.CronRunner()
	out, err := runner(context.Background(), &cron.Job{ID: "j1", Name: "stretch", Message: "remind me to stretch"})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if out != "reminder sent" {
		t.Errorf("runner output = %q", out)
	}

	user := provider.windows[0][len(provider.windows[0])-1].(types.UserPrompt)
	if user.Content != "remind me to stretch" || user.Channel != "cron" {
		t.Errorf("user prompt = %#v", user)
	}
}

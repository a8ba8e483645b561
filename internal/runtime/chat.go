package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/tokens"
	"github.com/pith-agent/pith/internal/tools"
	"github.com/pith-agent/pith/internal/types"
)

// maxIterations caps model round-trips per turn so a tool-happy model
// cannot loop forever.
const maxIterations = 20

// ChatRequest is one inbound user turn.
type ChatRequest struct {
	Message   string
	SessionID string // empty selects the active session
	Channel   string // originating channel name, shown to the model

	// Interactive marks a caller that can answer SecretRequest events.
	// Non-interactive turns get an immediate soft error from store_secret
	// instead of a 60s wait.
	Interactive bool
}

// Chat runs one agent turn: recall memories, stream the model, execute
// tool calls until the model stops asking, persist the transcript. Events
// stream to the channel in order; Chat closes it when the turn ends.
//
// Messages are persisted in a single append after the loop, so a failed
// turn leaves the session exactly as it was.
func (r *Runtime) Chat(ctx context.Context, req ChatRequest, events chan<- ChatEvent) {
	defer close(events)

	sessionID := req.SessionID
	if sessionID == "" {
		sid, err := r.store.EnsureActiveSession(ctx)
		if err != nil {
			emit(ctx, events, Error{Message: err.Error()})
			return
		}
		sessionID = sid
	}

	complete, err := r.store.BootstrapComplete(ctx)
	if err != nil {
		emit(ctx, events, Error{Message: err.Error()})
		return
	}
	bootstrap := !complete

	if err := r.store.LogEvent(ctx, "chat.start", "info", map[string]interface{}{
		"session": sessionID,
		"channel": req.Channel,
	}); err != nil {
		L_warn("chat: failed to log start", "error", err)
	}

	history, err := r.store.MessageHistory(ctx, sessionID, r.cfg.Agent.MaxMessages)
	if err != nil {
		emit(ctx, events, Error{Message: err.Error()})
		return
	}

	systemPrompt, err := r.buildSystemPrompt(ctx, bootstrap, req.Channel)
	if err != nil {
		emit(ctx, events, Error{Message: err.Error()})
		return
	}

	registry := r.turnRegistry(events, req.Interactive)
	defs := registry.Definitions()

	userMsg := types.UserPrompt{Content: r.withMemories(ctx, req.Message), Channel: req.Channel}
	turn := append(append([]types.Message{}, history...), userMsg)
	newMessages := []types.Message{userMsg}

	est := tokens.Get()
	L_debug("chat: prompt sized", "session", sessionID, "messages", len(turn),
		"promptTokens", est.CountMessages(turn), "systemTokens", est.Count(systemPrompt))

	var fullText strings.Builder

	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, err := r.provider.StreamMessage(ctx, turn, defs, systemPrompt, func(delta string) {
			fullText.WriteString(delta)
			emit(ctx, events, TextDelta{Delta: delta})
		})
		if err != nil {
			L_error("chat: model call failed", "session", sessionID, "error", err)
			emit(ctx, events, Error{Message: err.Error()})
			return
		}

		if resp.Text != "" {
			msg := types.AssistantText{Content: resp.Text}
			turn = append(turn, msg)
			newMessages = append(newMessages, msg)
		}

		if !resp.HasToolCalls() {
			break
		}

		for _, call := range resp.ToolCalls {
			emit(ctx, events, ToolCallEvent{Name: call.Name, Args: parseToolArgs(call.Input)})

			callMsg := types.ToolCall{CallID: call.ID, Name: call.Name, Input: call.Input}
			turn = append(turn, callMsg)
			newMessages = append(newMessages, callMsg)

			result, err := registry.Execute(ctx, call.Name, call.Input)
			if err != nil {
				result = types.ErrorResult(err.Error())
			}
			output := tools.Truncate(result.GetText(), r.cfg.Agent.MaxToolOutput)

			emit(ctx, events, ToolResultEvent{Name: call.Name, Success: !result.IsError})

			retMsg := types.ToolReturn{CallID: call.ID, Name: call.Name, Content: output, IsError: result.IsError}
			turn = append(turn, retMsg)
			newMessages = append(newMessages, retMsg)
		}
	}

	if err := r.store.AppendMessages(ctx, sessionID, newMessages); err != nil {
		emit(ctx, events, Error{Message: err.Error()})
		return
	}

	// During bootstrap the model may have filled in the last profile
	// field this turn; re-derive completion from what's stored now.
	if bootstrap {
		if _, err := r.store.ReconcileBootstrap(ctx); err != nil {
			L_warn("chat: failed to reconcile bootstrap state", "error", err)
		}
	}

	emit(ctx, events, Done{Text: fullText.String()})
}

// ChatText runs a turn for callers that only need the final text (channel
// adapters, cron firings). Secret requests cannot be answered on this
// path, so the turn is non-interactive.
func (r *Runtime) ChatText(ctx context.Context, req ChatRequest) (string, error) {
	req.Interactive = false
	events := make(chan ChatEvent, 16)
	go r.Chat(ctx, req, events)

	var text string
	var turnErr error
	for ev := range events {
		switch e := ev.(type) {
		case Done:
			text = e.Text
		case Error:
			turnErr = errors.New(e.Message)
		}
	}
	return text, turnErr
}

// turnRegistry builds the tool set for one turn: the twelve built-ins
// backed by a dispatcher carrying this turn's event channel, plus the
// runtime-wide extras.
func (r *Runtime) turnRegistry(events chan<- ChatEvent, interactive bool) *tools.Registry {
	d := &dispatcher{rt: r, events: events, interactive: interactive}
	registry := tools.NewRegistry()
	for _, t := range tools.Builtins(d) {
		registry.Register(t)
	}
	for _, t := range r.extra {
		registry.Register(t)
	}
	return registry
}

// withMemories prefixes the user message with recalled memory entries.
// Recall failure degrades to the bare message.
func (r *Runtime) withMemories(ctx context.Context, message string) string {
	memories, err := r.store.MemorySearch(ctx, message, r.cfg.Agent.MemoryTopN)
	if err != nil {
		L_warn("chat: memory recall failed", "error", err)
		return message
	}
	if len(memories) == 0 {
		return message
	}

	lines := []string{"[Relevant memories]"}
	for _, m := range memories {
		lines = append(lines, "- "+m.Content)
	}
	return strings.Join(lines, "\n") + "\n\n" + message
}

// parseToolArgs renders raw tool input for events: an object passes
// through, a JSON-encoded string is decoded, anything else is wrapped
// as {"raw": ...}.
func parseToolArgs(input json.RawMessage) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}

	var obj map[string]any
	if err := json.Unmarshal(input, &obj); err == nil {
		if obj == nil {
			return map[string]any{}
		}
		return obj
	}

	var s string
	if err := json.Unmarshal(input, &s); err == nil {
		var inner map[string]any
		if err := json.Unmarshal([]byte(s), &inner); err == nil && inner != nil {
			return inner
		}
		return map[string]any{"raw": s}
	}

	return map[string]any{"raw": string(input)}
}

// emit delivers an event unless the consumer's context is already gone.
func emit(ctx context.Context, events chan<- ChatEvent, ev ChatEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

package runtime

// ChatEvent is one occurrence during an agent turn. Events stream to the
// caller in order; the final event on a turn is always Done or Error, after
// which the channel is closed.
type ChatEvent interface {
	chatEvent()
}

// TextDelta is a fragment of assistant text as it streams from the model.
type TextDelta struct {
	Delta string
}

// ToolCallEvent announces a tool invocation before it runs.
type ToolCallEvent struct {
	Name string
	Args map[string]any
}

// ToolResultEvent reports a finished tool invocation. Only the outcome is
// exposed, never the output itself.
type ToolResultEvent struct {
	Name    string
	Success bool
}

// SecretRequest asks the client to collect a secret value out of band and
// deliver it via ProvideSecret. The value never appears in any event.
type SecretRequest struct {
	RequestID string
	Name      string
}

// Done closes a successful turn with the full assistant text.
type Done struct {
	Text string
}

// Error closes a failed turn.
type Error struct {
	Message string
}

func (TextDelta) chatEvent()       {}
func (ToolCallEvent) chatEvent()   {}
func (ToolResultEvent) chatEvent() {}
func (SecretRequest) chatEvent()   {}
func (Done) chatEvent()            {}
func (Error) chatEvent()           {}

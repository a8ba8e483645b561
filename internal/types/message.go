// Package types contains shared types used across multiple packages.
// This helps avoid import cycles between packages like llm and store.
package types

import (
	"encoding/json"
	"fmt"
)

// MessageKind discriminates the stored message variants.
type MessageKind string

const (
	KindUserPrompt    MessageKind = "user_prompt"
	KindAssistantText MessageKind = "assistant_text"
	KindToolCall      MessageKind = "tool_call"
	KindToolReturn    MessageKind = "tool_return"
)

// Message is the closed set of conversation records. Every variant
// round-trips losslessly through MarshalMessage/UnmarshalMessage; the
// store persists the encoded form verbatim.
type Message interface {
	Kind() MessageKind
	message()
}

// UserPrompt is a user turn, optionally tagged with the channel it
// arrived on ("http", "telegram", extension channel name).
type UserPrompt struct {
	Content string `json:"content"`
	Channel string `json:"channel,omitempty"`
}

func (UserPrompt) Kind() MessageKind { return KindUserPrompt }
func (UserPrompt) message()          {}

// AssistantText is a model text turn.
type AssistantText struct {
	Content string `json:"content"`
}

func (AssistantText) Kind() MessageKind { return KindAssistantText }
func (AssistantText) message()          {}

// ToolCall records the model requesting a tool invocation.
type ToolCall struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

func (ToolCall) Kind() MessageKind { return KindToolCall }
func (ToolCall) message()          {}

// ToolReturn records the outcome delivered back to the model for a
// prior ToolCall with the same CallID.
type ToolReturn struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

func (ToolReturn) Kind() MessageKind { return KindToolReturn }
func (ToolReturn) message()          {}

// MarshalMessage encodes a message as a flat JSON object carrying a
// "kind" discriminator next to the variant's own fields. Keys are
// emitted sorted, so equal messages encode to equal bytes.
func MarshalMessage(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("cannot marshal nil message")
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}

	kind, err := json.Marshal(m.Kind())
	if err != nil {
		return nil, err
	}
	fields["kind"] = kind

	return json.Marshal(fields)
}

// UnmarshalMessage decodes a stored message by its "kind" discriminator.
func UnmarshalMessage(data []byte) (Message, error) {
	var probe struct {
		Kind MessageKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode message envelope: %w", err)
	}

	switch probe.Kind {
	case KindUserPrompt:
		var m UserPrompt
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindAssistantText:
		var m AssistantText
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindToolCall:
		var m ToolCall
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindToolReturn:
		var m ToolReturn
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown message kind: %q", probe.Kind)
	}
}

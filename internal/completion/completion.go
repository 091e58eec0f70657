// Package completion defines the streaming chat-completion surface the
// orchestrator generates replies through. Deltas are pushed to the caller as
// they arrive so downstream synthesis can start before the reply is complete.
package completion

import (
	"context"
	"encoding/json"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrOverloaded marks a transient provider rejection worth retrying.
var ErrOverloaded = errors.New("completion: provider overloaded")

type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation with raw JSON arguments.
// Argument validation happens at the agent layer, not here.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// Response is the fully accumulated result of one streamed generation.
// Text holds everything already delivered through onDelta.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Client streams a chat completion. onDelta is invoked for each text fragment
// in order; returning an error from onDelta aborts the stream. StreamChat
// returns the accumulated response or the first error encountered.
type Client interface {
	StreamChat(ctx context.Context, req Request, onDelta func(delta string) error) (Response, error)
	Close() error
}

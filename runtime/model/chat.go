// Package model provides the ChatModel abstraction PersonJob handlers use
// to talk to an LLM provider, plus adapters for Anthropic, OpenAI and
// Google under their own subpackages.
package model

import "context"

// ChatModel abstracts provider differences (OpenAI, Anthropic, Google,
// local models) behind one interface. Implementations translate Message
// into provider-specific requests, parse responses back into ChatOut, and
// respect context cancellation.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn of a conversation passed to a ChatModel.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a function the model may call, in JSON Schema form.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is a ChatModel's response: generated text, requested tool calls,
// and the provider's reported token usage.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Usage reports token counts for a single Chat call. It is independent of
// runtime.TokenUsage (this package must not import runtime); PersonJob
// handlers convert between the two when recording a completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ToolCall is one invocation the model requested.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}

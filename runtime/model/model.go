// Package model defines the provider-agnostic LLM abstraction used by the
// runtime: chat messages, tool definitions, streaming chunks and the Client
// interface that provider adapters implement.
package model

import (
	"context"
	"errors"
)

type (
	// Role identifies the author of a chat message.
	Role string

	// Message is a single entry in a chat transcript, shaped after the
	// OpenAI chat completion message so provider adapters translate rather
	// than restructure.
	Message struct {
		Role       Role       `json:"role"`
		Content    string     `json:"content,omitempty"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
		Name       string     `json:"name,omitempty"`
	}

	// ToolCall is a fully assembled tool invocation requested by the model.
	// Arguments is the raw JSON string exactly as produced by the provider.
	ToolCall struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// ToolDefinition describes a tool offered to the model. Parameters is a
	// JSON Schema document.
	ToolDefinition struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	}

	// Request is a single streaming chat completion request.
	Request struct {
		Model       string
		Messages    []Message
		Tools       []ToolDefinition
		Temperature float64
		MaxTokens   int
		// Metadata carries provider-specific knobs that do not warrant a
		// first-class field.
		Metadata map[string]any
	}

	// TokenUsage aggregates token accounting reported by the provider.
	TokenUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// ToolCallFragment is a partial tool call emitted mid-stream. Fragments
	// sharing an Index belong to the same call: ID and Type replace the
	// previously seen values while Name and Arguments are concatenated.
	ToolCallFragment struct {
		Index     int    `json:"index"`
		ID        string `json:"id,omitempty"`
		Type      string `json:"type,omitempty"`
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	}

	// Chunk is one increment of a streamed completion. Any combination of
	// fields may be set; a pure usage chunk carries neither content nor
	// tool call fragments.
	Chunk struct {
		Content   string             `json:"content,omitempty"`
		ToolCalls []ToolCallFragment `json:"tool_calls,omitempty"`
		Usage     *TokenUsage        `json:"usage,omitempty"`
	}

	// Streamer yields chunks for one request. Recv returns io.EOF after the
	// final chunk. Close releases provider resources and is safe to call
	// more than once.
	Streamer interface {
		Recv() (*Chunk, error)
		Close() error
	}

	// Client is implemented by provider adapters. Stream issues the request
	// and returns a Streamer for its response.
	Client interface {
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Middleware wraps a Client with additional behavior such as rate
	// limiting or retries.
	Middleware func(Client) Client
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ErrRateLimited is returned by provider adapters when the provider rejects a
// request due to rate limiting. Middlewares use it to adjust budgets.
var ErrRateLimited = errors.New("model: rate limited by provider")

// Chain applies middlewares to c in order, so the first middleware is the
// outermost wrapper.
func Chain(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}

// Package step defines the persistent domain model of the runtime: the Step
// transcript unit, the Run lifecycle record, the events fanned out while a
// run executes and the result of a tool invocation.
package step

import (
	"time"

	"github.com/runwire/runwire/runtime/model"
)

type (
	// Step is the atomic unit of interaction. Steps belonging to a session
	// are totally ordered by Sequence; persistence is an upsert keyed by
	// (SessionID, Sequence).
	Step struct {
		ID        string `json:"id" bson:"step_id"`
		SessionID string `json:"session_id" bson:"session_id"`
		RunID     string `json:"run_id" bson:"run_id"`
		Sequence  int64  `json:"sequence" bson:"sequence"`

		Role      model.Role       `json:"role" bson:"role"`
		Content   string           `json:"content,omitempty" bson:"content,omitempty"`
		ToolCalls []model.ToolCall `json:"tool_calls,omitempty" bson:"tool_calls,omitempty"`
		// ToolCallID links a tool step back to the assistant tool call it
		// answers. Only set when Role is RoleTool.
		ToolCallID string `json:"tool_call_id,omitempty" bson:"tool_call_id,omitempty"`
		Name       string `json:"name,omitempty" bson:"name,omitempty"`

		// Workflow placement. Empty outside workflow execution.
		WorkflowID string `json:"workflow_id,omitempty" bson:"workflow_id,omitempty"`
		NodeID     string `json:"node_id,omitempty" bson:"node_id,omitempty"`
		BranchKey  string `json:"branch_key,omitempty" bson:"branch_key,omitempty"`
		// Iteration is set for steps produced inside a loop node; nil
		// everywhere else.
		Iteration *int `json:"iteration,omitempty" bson:"iteration,omitempty"`

		RunnableID   string `json:"runnable_id,omitempty" bson:"runnable_id,omitempty"`
		RunnableType string `json:"runnable_type,omitempty" bson:"runnable_type,omitempty"`
		ParentRunID  string `json:"parent_run_id,omitempty" bson:"parent_run_id,omitempty"`
		Depth        int    `json:"depth,omitempty" bson:"depth,omitempty"`

		TraceID string `json:"trace_id,omitempty" bson:"trace_id,omitempty"`
		SpanID  string `json:"span_id,omitempty" bson:"span_id,omitempty"`

		Metrics *Metrics `json:"metrics,omitempty" bson:"metrics,omitempty"`

		CreatedAt time.Time `json:"created_at" bson:"created_at"`
	}

	// Metrics captures per-step measurements. Assistant steps carry model
	// latency and token counts; tool steps carry execution time.
	Metrics struct {
		DurationMS       int64  `json:"duration_ms,omitempty" bson:"duration_ms,omitempty"`
		FirstTokenMS     int64  `json:"first_token_ms,omitempty" bson:"first_token_ms,omitempty"`
		ToolDurationMS   int64  `json:"tool_duration_ms,omitempty" bson:"tool_duration_ms,omitempty"`
		PromptTokens     int    `json:"prompt_tokens,omitempty" bson:"prompt_tokens,omitempty"`
		CompletionTokens int    `json:"completion_tokens,omitempty" bson:"completion_tokens,omitempty"`
		TotalTokens      int    `json:"total_tokens,omitempty" bson:"total_tokens,omitempty"`
		Model            string `json:"model,omitempty" bson:"model,omitempty"`
		Provider         string `json:"provider,omitempty" bson:"provider,omitempty"`
	}

	// RunStatus is the lifecycle state of a Run.
	RunStatus string

	// Run records one execution of a runnable against a session.
	Run struct {
		ID           string     `json:"id" bson:"run_id"`
		SessionID    string     `json:"session_id" bson:"session_id"`
		RunnableID   string     `json:"runnable_id" bson:"runnable_id"`
		RunnableType string     `json:"runnable_type" bson:"runnable_type"`
		ParentRunID  string     `json:"parent_run_id,omitempty" bson:"parent_run_id,omitempty"`
		Status       RunStatus  `json:"status" bson:"status"`
		Input        string     `json:"input,omitempty" bson:"input,omitempty"`
		Response     string     `json:"response,omitempty" bson:"response,omitempty"`
		Error        string     `json:"error,omitempty" bson:"error,omitempty"`
		Metrics      RunMetrics `json:"metrics" bson:"metrics"`
		CreatedAt    time.Time  `json:"created_at" bson:"created_at"`
	}

	// RunMetrics aggregates measurements over a whole run.
	RunMetrics struct {
		StartedAt  time.Time        `json:"started_at" bson:"started_at"`
		EndedAt    time.Time        `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
		DurationMS int64            `json:"duration_ms,omitempty" bson:"duration_ms,omitempty"`
		Usage      model.TokenUsage `json:"usage" bson:"usage"`
		ToolCalls  int              `json:"tool_calls,omitempty" bson:"tool_calls,omitempty"`
	}

	// ToolResult is the outcome of a single tool invocation.
	ToolResult struct {
		ToolName   string         `json:"tool_name"`
		ToolCallID string         `json:"tool_call_id"`
		Args       map[string]any `json:"args,omitempty"`
		// Content is the string surfaced to the model, including error text
		// when the invocation failed.
		Content   string        `json:"content"`
		Output    any           `json:"output,omitempty"`
		Error     string        `json:"error,omitempty"`
		Success   bool          `json:"success"`
		StartedAt time.Time     `json:"started_at"`
		EndedAt   time.Time     `json:"ended_at"`
		Duration  time.Duration `json:"duration"`
	}
)

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Message converts the step into the chat message sent back to the model on
// subsequent turns.
func (s *Step) Message() model.Message {
	return model.Message{
		Role:       s.Role,
		Content:    s.Content,
		ToolCalls:  s.ToolCalls,
		ToolCallID: s.ToolCallID,
		Name:       s.Name,
	}
}

// Messages converts a step transcript into chat messages, preserving order.
func Messages(steps []*Step) []model.Message {
	msgs := make([]model.Message, 0, len(steps))
	for _, s := range steps {
		msgs = append(msgs, s.Message())
	}
	return msgs
}

// IterationOf returns a pointer suitable for Step.Iteration.
func IterationOf(i int) *int { return &i }

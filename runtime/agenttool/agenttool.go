// Package agenttool exposes a runnable as a tool so agents can delegate to
// other agents or whole workflows. The nested run shares the caller's
// session, wire and abort signal; a call stack carried in context metadata
// guards against delegation cycles and runaway nesting.
package agenttool

import (
	"context"
	"fmt"
	"time"

	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/runnable"
	"github.com/runwire/runwire/runtime/step"
	"github.com/runwire/runwire/runtime/tools"
)

// DefaultMaxDepth bounds nested delegation when no explicit limit is set.
const DefaultMaxDepth = 5

type (
	// Tool adapts a runnable into the tools.Tool contract.
	Tool struct {
		target   runnable.Runnable
		name     string
		desc     string
		maxDepth int
	}

	// Option customizes the adapter.
	Option func(*Tool)
)

var _ tools.Tool = (*Tool)(nil)

// WithName overrides the default tool name ("call_<runnable id>").
func WithName(name string) Option {
	return func(t *Tool) { t.name = name }
}

// WithDescription sets the tool description shown to the model.
func WithDescription(desc string) Option {
	return func(t *Tool) { t.desc = desc }
}

// WithMaxDepth overrides the nesting limit.
func WithMaxDepth(depth int) Option {
	return func(t *Tool) { t.maxDepth = depth }
}

// New wraps the runnable as a tool.
func New(target runnable.Runnable, opts ...Option) *Tool {
	t := &Tool{
		target:   target,
		name:     "call_" + target.ID(),
		desc:     fmt.Sprintf("Delegate a task to %s.", target.ID()),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the tool name.
func (t *Tool) Name() string { return t.name }

// Description returns the tool description.
func (t *Tool) Description() string { return t.desc }

// Parameters describes the delegation payload.
func (t *Tool) Parameters() map[string]any {
	return tools.ObjectSchema(map[string]any{
		"task": map[string]any{
			"type":        "string",
			"description": "The task to delegate.",
		},
		"context": map[string]any{
			"type":        "string",
			"description": "Optional background for the task.",
		},
	}, "task")
}

// ConcurrencySafe reports true: nested runs allocate their own sequences and
// may interleave.
func (t *Tool) ConcurrencySafe() bool { return true }

// Execute runs the target against the caller's session. Guard violations and
// target failures become unsuccessful results; the model decides what to do
// with them.
func (t *Tool) Execute(ctx context.Context, args map[string]any, rc *run.Context) (*step.ToolResult, error) {
	task, _ := args["task"].(string)
	background, _ := args["context"].(string)

	// Cycle detection first: a self-referencing chain is a programming
	// error worth naming precisely, even when it also exceeds the depth
	// budget. The caller counts as part of the chain.
	caller := rc.RunnableID
	if t.target.ID() == caller || rc.OnCallStack(t.target.ID()) {
		stack := append(rc.CallStack(), t.target.ID())
		return failure(fmt.Sprintf("circular delegation detected: %v", stack)), nil
	}
	if rc.Depth+1 > t.maxDepth {
		return failure(fmt.Sprintf("maximum delegation depth %d exceeded", t.maxDepth)), nil
	}

	input := task
	if background != "" {
		input = task + "\n\n" + background
	}

	opts := []run.Option{
		run.WithDepth(rc.Depth + 1),
		run.WithRunnable(t.target.ID(), t.target.Type()),
	}
	if caller != "" && !rc.OnCallStack(caller) {
		opts = append(opts, run.WithCallStackPush(caller))
	}
	opts = append(opts, run.WithCallStackPush(t.target.ID()))
	child := rc.Child(opts...)
	out, err := t.target.Run(ctx, input, child)
	if err != nil {
		return failure(fmt.Sprintf("delegated run failed: %v", err)), nil
	}
	return &step.ToolResult{
		Content: out.Response,
		Success: true,
	}, nil
}

func failure(msg string) *step.ToolResult {
	now := time.Now().UTC()
	return &step.ToolResult{
		Content:   msg,
		Error:     msg,
		Success:   false,
		StartedAt: now,
		EndedAt:   now,
	}
}

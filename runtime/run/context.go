// Package run defines the execution context threaded through every runnable,
// step executor and tool invocation of a run.
package run

import (
	"github.com/google/uuid"

	"github.com/runwire/runwire/runtime/abort"
	"github.com/runwire/runwire/runtime/step"
	"github.com/runwire/runwire/runtime/wire"
)

// callStackKey is the metadata slot holding the agent-as-tool call stack.
const callStackKey = "_call_stack"

type (
	// Context carries the identity and plumbing of one run. It is treated
	// as immutable: derivations copy, they never mutate. The Wire and
	// Signal are shared with the root run; everything else is per-run.
	Context struct {
		SessionID string
		RunID     string

		Wire   *wire.Wire
		Signal *abort.Signal

		// Workflow placement, set when the run executes a workflow node.
		WorkflowID string
		NodeID     string
		BranchKey  string
		Iteration  *int

		RunnableID   string
		RunnableType string
		ParentRunID  string
		Depth        int

		TraceID string
		SpanID  string

		// Metadata carries cross-cutting values such as the agent-as-tool
		// call stack. Never mutated in place.
		Metadata map[string]any
	}

	// Option customizes a derived context.
	Option func(*Context)
)

// New builds a root context for a session. The wire and signal are created
// here and shared by every nested run.
func New(sessionID string, opts ...Option) *Context {
	c := &Context{
		SessionID: sessionID,
		RunID:     NewRunID(),
		Wire:      wire.New(),
		Signal:    abort.NewSignal(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRunID mints a run identifier.
func NewRunID() string { return "run-" + uuid.NewString() }

// Child derives a context for a nested run. The child shares the parent's
// session, wire and signal, gets a fresh run id, records the parent run id
// and deep-copies metadata so sibling runs never observe each other's writes.
func (c *Context) Child(opts ...Option) *Context {
	child := *c
	child.RunID = NewRunID()
	child.ParentRunID = c.RunID
	child.NodeID = ""
	child.BranchKey = ""
	child.Iteration = nil
	child.Metadata = cloneMetadata(c.Metadata)
	for _, opt := range opts {
		opt(&child)
	}
	return &child
}

// With returns a copy of the context with the options applied. Unlike Child
// it keeps the run id: use it to fill in fields on the same run.
func (c *Context) With(opts ...Option) *Context {
	cp := *c
	cp.Metadata = cloneMetadata(c.Metadata)
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(c *Context) { c.RunID = id }
}

// WithRunnable records the runnable executing under this context.
func WithRunnable(id, typ string) Option {
	return func(c *Context) {
		c.RunnableID = id
		c.RunnableType = typ
	}
}

// WithNode places the context on a workflow node.
func WithNode(workflowID, nodeID string) Option {
	return func(c *Context) {
		c.WorkflowID = workflowID
		c.NodeID = nodeID
	}
}

// WithBranch tags the context with a parallel branch key.
func WithBranch(key string) Option {
	return func(c *Context) { c.BranchKey = key }
}

// WithIteration tags the context with a loop iteration.
func WithIteration(i int) Option {
	return func(c *Context) { c.Iteration = &i }
}

// WithDepth sets the nesting depth.
func WithDepth(d int) Option {
	return func(c *Context) { c.Depth = d }
}

// WithMetadata sets one metadata entry on the derived context.
func WithMetadata(key string, value any) Option {
	return func(c *Context) {
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		c.Metadata[key] = value
	}
}

// CallStack returns the agent-as-tool call stack recorded in metadata. The
// returned slice is a copy.
func (c *Context) CallStack() []string {
	if c.Metadata == nil {
		return nil
	}
	stack, ok := c.Metadata[callStackKey].([]string)
	if !ok {
		return nil
	}
	return append([]string(nil), stack...)
}

// OnCallStack reports whether the runnable id is already on the call stack.
func (c *Context) OnCallStack(runnableID string) bool {
	for _, id := range c.CallStack() {
		if id == runnableID {
			return true
		}
	}
	return false
}

// WithCallStackPush returns an option that appends the runnable id to the
// call stack without mutating the parent's stack.
func WithCallStackPush(runnableID string) Option {
	return func(c *Context) {
		stack, _ := c.Metadata[callStackKey].([]string)
		next := make([]string, 0, len(stack)+1)
		next = append(next, stack...)
		next = append(next, runnableID)
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		c.Metadata[callStackKey] = next
	}
}

// Publish stamps the event with the run's identity and emits it on the wire.
// It is a no-op when the context carries no wire.
func (c *Context) Publish(ev *step.Event) {
	if c.Wire == nil {
		return
	}
	if ev.RunID == "" {
		ev.RunID = c.RunID
	}
	if ev.ParentRunID == "" {
		ev.ParentRunID = c.ParentRunID
	}
	if ev.RunnableID == "" {
		ev.RunnableID = c.RunnableID
	}
	if ev.Depth == 0 {
		ev.Depth = c.Depth
	}
	c.Wire.Publish(ev)
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

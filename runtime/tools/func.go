package tools

import (
	"context"

	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/step"
)

// Func adapts a plain function into a Tool. Handy for small tools and tests.
type Func struct {
	ToolName string
	Desc     string
	Schema   map[string]any
	Unsafe   bool
	Fn       func(ctx context.Context, args map[string]any, rc *run.Context) (*step.ToolResult, error)
}

var _ Tool = (*Func)(nil)

func (f *Func) Name() string               { return f.ToolName }
func (f *Func) Description() string        { return f.Desc }
func (f *Func) Parameters() map[string]any { return f.Schema }
func (f *Func) ConcurrencySafe() bool      { return !f.Unsafe }

func (f *Func) Execute(ctx context.Context, args map[string]any, rc *run.Context) (*step.ToolResult, error) {
	return f.Fn(ctx, args, rc)
}

// ObjectSchema builds a JSON Schema for an object with the given properties
// and required names. Properties map property name to its schema.
func ObjectSchema(props map[string]any, required ...string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		sch["required"] = req
	}
	return sch
}

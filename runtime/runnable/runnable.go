// Package runnable defines the executable unit of the runtime. Agents and
// workflow composites all satisfy Runnable, which makes them uniformly
// nestable: a pipeline node can be an agent, another pipeline or a loop, and
// any runnable can be exposed to a model as a tool.
package runnable

import (
	"context"

	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/run"
)

type (
	// Runnable executes against a session and produces a final response.
	// Implementations must treat rc as immutable and derive child contexts
	// for nested runs.
	Runnable interface {
		// ID uniquely names the runnable within a deployment.
		ID() string
		// Type labels the runnable kind: agent, pipeline, parallel, loop.
		Type() string
		Run(ctx context.Context, input string, rc *run.Context) (*Output, error)
	}

	// Output is the result of a completed run.
	Output struct {
		RunID    string
		Response string
		Usage    model.TokenUsage
		// ToolCalls counts tool invocations across the run, nested runs
		// included.
		ToolCalls int
		// StoppedOnMaxSteps is true when an agent run ended on its step
		// budget rather than a final answer.
		StoppedOnMaxSteps bool
	}
)

// Runnable type labels.
const (
	TypeAgent    = "agent"
	TypePipeline = "pipeline"
	TypeParallel = "parallel"
	TypeLoop     = "loop"
)

package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/runnable"
	"github.com/runwire/runwire/runtime/session"
	"github.com/runwire/runwire/runtime/telemetry"
)

type (
	// Pipeline executes its nodes sequentially, feeding each node an input
	// resolved from the workflow state. Nodes that already have output in
	// the state are skipped, so re-running a half-finished pipeline resumes
	// where it stopped.
	Pipeline struct {
		id     string
		store  session.Store
		nodes  []Node
		logger telemetry.Logger
	}

	// PipelineOptions configures a Pipeline.
	PipelineOptions struct {
		// ID names the pipeline; it doubles as the workflow id stamped on
		// every step. Required.
		ID string
		// Store is the shared session store. Required.
		Store session.Store
		// Nodes execute in order. Required, non-empty, unique ids.
		Nodes []Node
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}
)

var _ runnable.Runnable = (*Pipeline)(nil)

// NewPipeline constructs a Pipeline.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.ID == "" {
		return nil, errors.New("pipeline id is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if err := validateNodes(opts.Nodes); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Pipeline{id: opts.ID, store: opts.Store, nodes: opts.Nodes, logger: logger}, nil
}

// ID returns the pipeline id.
func (p *Pipeline) ID() string { return p.id }

// Type returns "pipeline".
func (p *Pipeline) Type() string { return runnable.TypePipeline }

// Run executes the nodes in order and returns the last node's output as the
// pipeline response.
func (p *Pipeline) Run(ctx context.Context, input string, rc *run.Context) (*runnable.Output, error) {
	rc = rc.With(run.WithRunnable(p.id, runnable.TypePipeline))
	return runnable.Lifecycle(ctx, p.store, rc, input, func(ctx context.Context) (*runnable.Output, error) {
		state := NewState(p.store, rc.SessionID, p.id)
		if err := state.LoadFromHistory(ctx); err != nil {
			return nil, err
		}

		out := &runnable.Output{Response: input}
		for i, node := range p.nodes {
			if cached, ok := state.Output(node.ID, nil); ok {
				p.logger.Debug(ctx, "node already complete", "workflow", p.id, "node", node.ID)
				out.Response = cached
				continue
			}
			if rc.Signal != nil {
				if err := rc.Signal.Err(); err != nil {
					return nil, err
				}
			}

			resolver := &Resolver{State: state, Input: input}
			tpl := node.Input
			if tpl == "" {
				if i == 0 {
					tpl = "{input}"
				} else {
					tpl = "{" + p.nodes[i-1].ID + ".output}"
				}
			}
			nodeInput := resolver.Resolve(tpl)

			child := rc.Child(
				run.WithNode(p.id, node.ID),
				run.WithRunnable(node.Runnable.ID(), node.Runnable.Type()),
			)
			nodeOut, err := node.Runnable.Run(ctx, nodeInput, child)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", node.ID, err)
			}
			state.SetOutput(node.ID, nil, nodeOut.Response)
			out.Response = nodeOut.Response
			out.ToolCalls += nodeOut.ToolCalls
			addUsage(&out.Usage, nodeOut.Usage)
		}
		return out, nil
	})
}

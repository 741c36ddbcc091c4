package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/runnable"
	"github.com/runwire/runwire/runtime/session"
	"github.com/runwire/runwire/runtime/telemetry"
)

type (
	// Loop runs its body node repeatedly, tagging each pass with the
	// iteration index. Continue decides after every pass whether to keep
	// going; MaxIterations is the hard stop.
	Loop struct {
		id            string
		store         session.Store
		body          Node
		maxIterations int
		cont          func(iteration int, output string) bool
		logger        telemetry.Logger
	}

	// LoopOptions configures a Loop.
	LoopOptions struct {
		// ID names the composite and the workflow scope. Required.
		ID string
		// Store is the shared session store. Required.
		Store session.Store
		// Body is the node executed each iteration. Required.
		Body Node
		// MaxIterations bounds the loop. Required, positive.
		MaxIterations int
		// Continue is consulted after each iteration with the zero-based
		// iteration index and its output; returning false stops the loop.
		// Nil means run all iterations.
		Continue func(iteration int, output string) bool
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}
)

var _ runnable.Runnable = (*Loop)(nil)

// NewLoop constructs a Loop.
func NewLoop(opts LoopOptions) (*Loop, error) {
	if opts.ID == "" {
		return nil, errors.New("loop id is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if err := validateNodes([]Node{opts.Body}); err != nil {
		return nil, err
	}
	if opts.MaxIterations <= 0 {
		return nil, errors.New("max iterations must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Loop{
		id:            opts.ID,
		store:         opts.Store,
		body:          opts.Body,
		maxIterations: opts.MaxIterations,
		cont:          opts.Continue,
		logger:        logger,
	}, nil
}

// ID returns the composite id.
func (l *Loop) ID() string { return l.id }

// Type returns "loop".
func (l *Loop) Type() string { return runnable.TypeLoop }

// Run iterates the body until Continue declines, MaxIterations is reached or
// the run aborts. The response is the last iteration's output.
func (l *Loop) Run(ctx context.Context, input string, rc *run.Context) (*runnable.Output, error) {
	rc = rc.With(run.WithRunnable(l.id, runnable.TypeLoop))
	return runnable.Lifecycle(ctx, l.store, rc, input, func(ctx context.Context) (*runnable.Output, error) {
		state := NewState(l.store, rc.SessionID, l.id)
		if err := state.LoadFromHistory(ctx); err != nil {
			return nil, err
		}

		out := &runnable.Output{}
		last := map[string]string{}
		for it := 0; it < l.maxIterations; it++ {
			iteration := it
			var response string
			if cached, ok := state.Output(l.body.ID, &iteration); ok {
				l.logger.Debug(ctx, "iteration already complete", "workflow", l.id, "iteration", it)
				response = cached
			} else {
				if rc.Signal != nil {
					if err := rc.Signal.Err(); err != nil {
						return nil, err
					}
				}
				resolver := &Resolver{State: state, Input: input, Iteration: &iteration, LoopLast: last}
				tpl := l.body.Input
				if tpl == "" {
					if it == 0 {
						tpl = "{input}"
					} else {
						tpl = "{loop.last." + l.body.ID + "}"
					}
				}
				child := rc.Child(
					run.WithNode(l.id, l.body.ID),
					run.WithIteration(it),
					run.WithRunnable(l.body.Runnable.ID(), l.body.Runnable.Type()),
				)
				bodyOut, err := l.body.Runnable.Run(ctx, resolver.Resolve(tpl), child)
				if err != nil {
					return nil, fmt.Errorf("iteration %d: %w", it, err)
				}
				state.SetOutput(l.body.ID, &iteration, bodyOut.Response)
				response = bodyOut.Response
				out.ToolCalls += bodyOut.ToolCalls
				addUsage(&out.Usage, bodyOut.Usage)
			}
			last = map[string]string{l.body.ID: response}
			out.Response = response
			if l.cont != nil && !l.cont(it, response) {
				break
			}
		}
		return out, nil
	})
}

// Iterations reports how many iterations of the loop are already recorded in
// the store for the session, useful when resuming.
func (l *Loop) Iterations(ctx context.Context, sessionID string) (int, error) {
	steps, err := l.store.GetSteps(ctx, sessionID, session.StepFilter{WorkflowID: l.id, NodeID: l.body.ID})
	if err != nil {
		return 0, err
	}
	max := -1
	for _, st := range steps {
		if st.Iteration != nil && *st.Iteration > max {
			if st.Role == model.RoleAssistant && len(st.ToolCalls) == 0 {
				max = *st.Iteration
			}
		}
	}
	return max + 1, nil
}

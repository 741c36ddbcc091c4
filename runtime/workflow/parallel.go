package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/runnable"
	"github.com/runwire/runwire/runtime/session"
	"github.com/runwire/runwire/runtime/telemetry"
)

type (
	// BranchOutput is one branch's result handed to the join.
	BranchOutput struct {
		NodeID    string
		BranchKey string
		Response  string
	}

	// Join combines branch outputs, presented in declaration order, into
	// the parallel node's response.
	Join func(outputs []BranchOutput) string

	// Parallel runs its branches concurrently and joins their outputs.
	// Branch steps are tagged with a branch key so transcripts stay
	// attributable.
	Parallel struct {
		id       string
		store    session.Store
		branches []Node
		join     Join
		logger   telemetry.Logger
	}

	// ParallelOptions configures a Parallel.
	ParallelOptions struct {
		// ID names the composite and the workflow scope. Required.
		ID string
		// Store is the shared session store. Required.
		Store session.Store
		// Branches run concurrently. Required, non-empty, unique ids.
		Branches []Node
		// Join combines branch outputs; defaults to JoinConcat.
		Join Join
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}
)

var _ runnable.Runnable = (*Parallel)(nil)

// JoinConcat joins branch responses with blank lines, in declaration order.
func JoinConcat(outputs []BranchOutput) string {
	parts := make([]string, len(outputs))
	for i, o := range outputs {
		parts[i] = o.Response
	}
	return strings.Join(parts, "\n\n")
}

// JoinFirst returns the first branch's response.
func JoinFirst(outputs []BranchOutput) string {
	if len(outputs) == 0 {
		return ""
	}
	return outputs[0].Response
}

// JoinLast returns the last branch's response.
func JoinLast(outputs []BranchOutput) string {
	if len(outputs) == 0 {
		return ""
	}
	return outputs[len(outputs)-1].Response
}

// NewParallel constructs a Parallel.
func NewParallel(opts ParallelOptions) (*Parallel, error) {
	if opts.ID == "" {
		return nil, errors.New("parallel id is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if err := validateNodes(opts.Branches); err != nil {
		return nil, err
	}
	join := opts.Join
	if join == nil {
		join = JoinConcat
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Parallel{id: opts.ID, store: opts.Store, branches: opts.Branches, join: join, logger: logger}, nil
}

// ID returns the composite id.
func (p *Parallel) ID() string { return p.id }

// Type returns "parallel".
func (p *Parallel) Type() string { return runnable.TypeParallel }

// Run executes every branch concurrently. All branches receive the same
// input; branches that already have output in the workflow state are not
// re-run. The first branch error fails the whole composite, after every
// branch has finished.
func (p *Parallel) Run(ctx context.Context, input string, rc *run.Context) (*runnable.Output, error) {
	rc = rc.With(run.WithRunnable(p.id, runnable.TypeParallel))
	return runnable.Lifecycle(ctx, p.store, rc, input, func(ctx context.Context) (*runnable.Output, error) {
		state := NewState(p.store, rc.SessionID, p.id)
		if err := state.LoadFromHistory(ctx); err != nil {
			return nil, err
		}
		if rc.Signal != nil {
			if err := rc.Signal.Err(); err != nil {
				return nil, err
			}
		}

		type branchResult struct {
			out *runnable.Output
			err error
		}
		results := make([]branchResult, len(p.branches))
		var wg sync.WaitGroup
		for i, branch := range p.branches {
			if cached, ok := state.Output(branch.ID, nil); ok {
				p.logger.Debug(ctx, "branch already complete", "workflow", p.id, "branch", branch.ID)
				results[i] = branchResult{out: &runnable.Output{Response: cached}}
				continue
			}
			wg.Add(1)
			go func(i int, branch Node) {
				defer wg.Done()
				resolver := &Resolver{State: state, Input: input}
				tpl := branch.Input
				if tpl == "" {
					tpl = "{input}"
				}
				child := rc.Child(
					run.WithNode(p.id, branch.ID),
					run.WithBranch("branch_"+branch.ID),
					run.WithRunnable(branch.Runnable.ID(), branch.Runnable.Type()),
				)
				out, err := branch.Runnable.Run(ctx, resolver.Resolve(tpl), child)
				if err != nil {
					results[i] = branchResult{err: fmt.Errorf("branch %s: %w", branch.ID, err)}
					return
				}
				state.SetOutput(branch.ID, nil, out.Response)
				results[i] = branchResult{out: out}
			}(i, branch)
		}
		wg.Wait()

		out := &runnable.Output{}
		joined := make([]BranchOutput, 0, len(p.branches))
		for i, res := range results {
			if res.err != nil {
				return nil, res.err
			}
			joined = append(joined, BranchOutput{
				NodeID:    p.branches[i].ID,
				BranchKey: "branch_" + p.branches[i].ID,
				Response:  res.out.Response,
			})
			out.ToolCalls += res.out.ToolCalls
			addUsage(&out.Usage, res.out.Usage)
		}
		out.Response = p.join(joined)
		return out, nil
	})
}

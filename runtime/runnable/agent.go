package runnable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/session"
	"github.com/runwire/runwire/runtime/step"
	"github.com/runwire/runwire/runtime/stepexec"
)

type (
	// Agent is an LLM-backed runnable: it appends the input as a user step,
	// rebuilds the transcript from the session and hands the loop to the
	// step executor.
	Agent struct {
		id           string
		systemPrompt string
		exec         *stepexec.Executor
		store        session.Store
	}

	// AgentOptions configures an Agent.
	AgentOptions struct {
		// ID names the agent. Required.
		ID string
		// Executor drives the model/tool loop. Required.
		Executor *stepexec.Executor
		// Store is the session store shared with the executor. Required.
		Store session.Store
		// SystemPrompt is prepended to every transcript when set.
		SystemPrompt string
	}
)

var _ Runnable = (*Agent)(nil)

// NewAgent constructs an Agent.
func NewAgent(opts AgentOptions) (*Agent, error) {
	if opts.ID == "" {
		return nil, errors.New("agent id is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	return &Agent{
		id:           opts.ID,
		systemPrompt: opts.SystemPrompt,
		exec:         opts.Executor,
		store:        opts.Store,
	}, nil
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Type returns "agent".
func (a *Agent) Type() string { return TypeAgent }

// Run appends the input as a user step and executes the loop to a final
// response.
func (a *Agent) Run(ctx context.Context, input string, rc *run.Context) (*Output, error) {
	rc = a.scope(rc)
	return Lifecycle(ctx, a.store, rc, input, func(ctx context.Context) (*Output, error) {
		if err := a.saveUserStep(ctx, rc, input); err != nil {
			return nil, err
		}
		return a.converse(ctx, rc, nil)
	})
}

// Resume continues an interrupted run: no new user step is appended and tool
// calls left unanswered by the previous run are executed first.
func (a *Agent) Resume(ctx context.Context, rc *run.Context) (*Output, error) {
	rc = a.scope(rc)
	return Lifecycle(ctx, a.store, rc, "", func(ctx context.Context) (*Output, error) {
		history, err := a.store.GetSteps(ctx, rc.SessionID, session.StepFilter{})
		if err != nil {
			return nil, err
		}
		return a.converse(ctx, rc, session.PendingToolCalls(history))
	})
}

// RetryFrom discards every step at or above fromSeq and resumes from the
// remaining transcript under a fresh run id.
func (a *Agent) RetryFrom(ctx context.Context, rc *run.Context, fromSeq int64) (*Output, error) {
	if _, err := a.store.DeleteStepsFrom(ctx, rc.SessionID, fromSeq); err != nil {
		return nil, fmt.Errorf("retry: delete steps from %d: %w", fromSeq, err)
	}
	return a.Resume(ctx, rc)
}

func (a *Agent) scope(rc *run.Context) *run.Context {
	if rc.RunnableID == a.id && rc.RunnableType == TypeAgent {
		return rc
	}
	return rc.With(run.WithRunnable(a.id, TypeAgent))
}

func (a *Agent) converse(ctx context.Context, rc *run.Context, pending []model.ToolCall) (*Output, error) {
	history, err := a.store.GetSteps(ctx, rc.SessionID, session.StepFilter{})
	if err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(history)+1)
	if a.systemPrompt != "" {
		msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: a.systemPrompt})
	}
	msgs = append(msgs, step.Messages(history)...)

	res, err := a.exec.Run(ctx, rc, msgs, pending)
	if err != nil {
		return nil, err
	}
	return &Output{
		Response:          res.Content,
		Usage:             res.Usage,
		ToolCalls:         res.ToolCalls,
		StoppedOnMaxSteps: res.StoppedOnMaxSteps,
	}, nil
}

func (a *Agent) saveUserStep(ctx context.Context, rc *run.Context, input string) error {
	seq, err := a.store.AllocateSequence(ctx, rc.SessionID)
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	st := &step.Step{
		ID:           "step-" + uuid.NewString(),
		SessionID:    rc.SessionID,
		RunID:        rc.RunID,
		Sequence:     seq,
		Role:         model.RoleUser,
		Content:      input,
		WorkflowID:   rc.WorkflowID,
		NodeID:       rc.NodeID,
		BranchKey:    rc.BranchKey,
		Iteration:    rc.Iteration,
		RunnableID:   rc.RunnableID,
		RunnableType: rc.RunnableType,
		ParentRunID:  rc.ParentRunID,
		Depth:        rc.Depth,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.SaveStep(ctx, st); err != nil {
		return fmt.Errorf("save user step: %w", err)
	}
	rc.Publish(&step.Event{Kind: step.KindStepCompleted, StepID: st.ID, Step: st})
	return nil
}

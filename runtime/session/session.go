// Package session defines the persistence contract for step transcripts and
// run records. Implementations must make step writes idempotent on
// (session id, sequence) and sequence allocation linearizable per session.
package session

import (
	"context"
	"errors"

	"github.com/runwire/runwire/runtime/step"
)

type (
	// StepFilter narrows GetSteps. Zero values mean "no constraint".
	StepFilter struct {
		// StartSeq and EndSeq bound the sequence range, inclusive start and
		// exclusive end. EndSeq zero means unbounded.
		StartSeq   int64
		EndSeq     int64
		RunID      string
		WorkflowID string
		NodeID     string
		BranchKey  string
		RunnableID string
		// Limit caps the number of returned steps; zero means all.
		Limit int
	}

	// RunFilter narrows ListRuns.
	RunFilter struct {
		SessionID string
		Statuses  []step.RunStatus
	}

	// Store persists steps and runs. All step reads return ascending
	// sequence order. Implementations must be safe for concurrent use.
	Store interface {
		// AllocateSequence returns the next sequence number for the
		// session. Concurrent callers never receive the same value.
		AllocateSequence(ctx context.Context, sessionID string) (int64, error)

		// SaveStep upserts the step keyed by (SessionID, Sequence).
		SaveStep(ctx context.Context, s *step.Step) error

		// SaveSteps upserts a batch of steps.
		SaveSteps(ctx context.Context, steps []*step.Step) error

		// GetSteps returns the session's steps matching the filter.
		GetSteps(ctx context.Context, sessionID string, f StepFilter) ([]*step.Step, error)

		// GetLastStep returns the step with the highest sequence, or
		// ErrStepNotFound for an empty session.
		GetLastStep(ctx context.Context, sessionID string) (*step.Step, error)

		// MaxSequence returns the highest stored sequence, zero when the
		// session has no steps.
		MaxSequence(ctx context.Context, sessionID string) (int64, error)

		// DeleteStepsFrom removes every step with sequence >= startSeq and
		// returns the number removed.
		DeleteStepsFrom(ctx context.Context, sessionID string, startSeq int64) (int64, error)

		// GetStepByToolCallID returns the tool step answering the given
		// tool call, or ErrStepNotFound.
		GetStepByToolCallID(ctx context.Context, sessionID, toolCallID string) (*step.Step, error)

		// LastAssistantContent returns the content of the most recent
		// assistant step matching the optional workflow/node scope. ok is
		// false when no such step exists; an empty content with ok true is
		// a real, present output.
		LastAssistantContent(ctx context.Context, sessionID, workflowID, nodeID string) (content string, ok bool, err error)

		// SaveRun upserts the run record keyed by run id.
		SaveRun(ctx context.Context, r *step.Run) error

		// GetRun returns the run record, or ErrRunNotFound.
		GetRun(ctx context.Context, runID string) (*step.Run, error)

		// ListRuns returns run records matching the filter, most recent
		// first.
		ListRuns(ctx context.Context, f RunFilter) ([]*step.Run, error)

		// DeleteRun removes the run record. Deleting a missing run is not
		// an error.
		DeleteRun(ctx context.Context, runID string) error
	}
)

// Sentinel errors shared by all store implementations.
var (
	ErrStepNotFound = errors.New("step not found")
	ErrRunNotFound  = errors.New("run not found")
)

// Match reports whether the step satisfies the filter, ignoring Limit.
func (f StepFilter) Match(s *step.Step) bool {
	if f.StartSeq > 0 && s.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && s.Sequence >= f.EndSeq {
		return false
	}
	if f.RunID != "" && s.RunID != f.RunID {
		return false
	}
	if f.WorkflowID != "" && s.WorkflowID != f.WorkflowID {
		return false
	}
	if f.NodeID != "" && s.NodeID != f.NodeID {
		return false
	}
	if f.BranchKey != "" && s.BranchKey != f.BranchKey {
		return false
	}
	if f.RunnableID != "" && s.RunnableID != f.RunnableID {
		return false
	}
	return true
}

// Match reports whether the run satisfies the filter.
func (f RunFilter) Match(r *step.Run) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if r.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

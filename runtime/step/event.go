package step

import (
	"time"

	"github.com/runwire/runwire/runtime/model"
)

type (
	// EventKind discriminates the events emitted on a wire while a run
	// executes.
	EventKind string

	// Delta is an in-progress increment of an assistant step.
	Delta struct {
		Content   string                   `json:"content,omitempty"`
		ToolCalls []model.ToolCallFragment `json:"tool_calls,omitempty"`
	}

	// Event is a single occurrence on a run's wire. Exactly one of Delta,
	// Step or Run is set depending on Kind.
	Event struct {
		Kind        EventKind `json:"kind"`
		RunID       string    `json:"run_id"`
		ParentRunID string    `json:"parent_run_id,omitempty"`
		// Depth distinguishes nested runs sharing the parent's wire.
		Depth      int       `json:"depth,omitempty"`
		RunnableID string    `json:"runnable_id,omitempty"`
		StepID     string    `json:"step_id,omitempty"`
		Delta      *Delta    `json:"delta,omitempty"`
		Step       *Step     `json:"step,omitempty"`
		Run        *Run      `json:"run,omitempty"`
		Error      string    `json:"error,omitempty"`
		Timestamp  time.Time `json:"timestamp"`
	}
)

const (
	KindRunStarted    EventKind = "run_started"
	KindRunCompleted  EventKind = "run_completed"
	KindRunFailed     EventKind = "run_failed"
	KindStepDelta     EventKind = "step_delta"
	KindStepCompleted EventKind = "step_completed"
)

// Droppable reports whether the event may be discarded under backpressure.
// Only deltas are droppable; completion and lifecycle events must reach every
// subscriber.
func (e *Event) Droppable() bool { return e.Kind == KindStepDelta }

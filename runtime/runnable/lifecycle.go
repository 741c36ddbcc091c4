package runnable

import (
	"context"
	"errors"
	"time"

	"github.com/runwire/runwire/runtime/abort"
	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/session"
	"github.com/runwire/runwire/runtime/step"
)

// Lifecycle wraps the body of a run with the status machine: it records the
// run as running, emits RUN_STARTED, executes body and lands the record on a
// terminal status with the matching RUN_COMPLETED or RUN_FAILED event. An
// abort observed by the body yields the cancelled status.
func Lifecycle(ctx context.Context, store session.Store, rc *run.Context, input string, body func(context.Context) (*Output, error)) (*Output, error) {
	now := time.Now().UTC()
	rec := &step.Run{
		ID:           rc.RunID,
		SessionID:    rc.SessionID,
		RunnableID:   rc.RunnableID,
		RunnableType: rc.RunnableType,
		ParentRunID:  rc.ParentRunID,
		Status:       step.RunRunning,
		Input:        input,
		Metrics:      step.RunMetrics{StartedAt: now},
		CreatedAt:    now,
	}
	if err := store.SaveRun(ctx, rec); err != nil {
		return nil, err
	}
	rc.Publish(&step.Event{Kind: step.KindRunStarted, Run: rec})

	out, err := body(ctx)

	end := time.Now().UTC()
	rec.Metrics.EndedAt = end
	rec.Metrics.DurationMS = end.Sub(now).Milliseconds()

	if out == nil && err == nil {
		err = errors.New("run exited without output")
	}
	switch {
	case err != nil && abort.IsAbort(err):
		rec.Status = step.RunCancelled
		rec.Error = err.Error()
	case err != nil:
		rec.Status = step.RunFailed
		rec.Error = err.Error()
	default:
		rec.Status = step.RunCompleted
		rec.Response = out.Response
		rec.Metrics.Usage = out.Usage
		rec.Metrics.ToolCalls = out.ToolCalls
	}
	// The terminal status must land even when the event fan-out is gone.
	if saveErr := store.SaveRun(ctx, rec); saveErr != nil && err == nil {
		err = saveErr
		rec.Status = step.RunFailed
		rec.Error = saveErr.Error()
	}

	if err != nil {
		rc.Publish(&step.Event{Kind: step.KindRunFailed, Run: rec, Error: rec.Error})
		return nil, err
	}
	if out != nil {
		out.RunID = rc.RunID
	}
	rc.Publish(&step.Event{Kind: step.KindRunCompleted, Run: rec})
	return out, nil
}

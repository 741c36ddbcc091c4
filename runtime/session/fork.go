package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Fork copies every step of srcSession with sequence < forkSeq into
// dstSession, preserving sequences and regenerating step ids. The source is
// left untouched. Returns the number of steps copied.
func Fork(ctx context.Context, store Store, srcSession, dstSession string, forkSeq int64) (int, error) {
	if srcSession == dstSession {
		return 0, fmt.Errorf("fork: source and destination are the same session %q", srcSession)
	}
	steps, err := store.GetSteps(ctx, srcSession, StepFilter{EndSeq: forkSeq})
	if err != nil {
		return 0, fmt.Errorf("fork: read source steps: %w", err)
	}
	for _, s := range steps {
		cp := *s
		cp.ID = "step-" + uuid.NewString()
		cp.SessionID = dstSession
		if err := store.SaveStep(ctx, &cp); err != nil {
			return 0, fmt.Errorf("fork: copy step %d: %w", s.Sequence, err)
		}
	}
	return len(steps), nil
}

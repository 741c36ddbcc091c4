package runnable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/session/inmem"
	"github.com/runwire/runwire/runtime/step"
)

func TestLifecycleNilOutputFails(t *testing.T) {
	store := inmem.New()
	rc := run.New("sess")
	finish := drain(rc)

	out, err := Lifecycle(context.Background(), store, rc, "q", func(context.Context) (*Output, error) {
		return nil, nil
	})
	events := finish()

	require.EqualError(t, err, "run exited without output")
	assert.Nil(t, out)

	rec, err := store.GetRun(context.Background(), rc.RunID)
	require.NoError(t, err)
	assert.Equal(t, step.RunFailed, rec.Status)
	assert.Equal(t, "run exited without output", rec.Error)
	require.NotEmpty(t, events)
	assert.Equal(t, step.KindRunFailed, events[len(events)-1].Kind)
}

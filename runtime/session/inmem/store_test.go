package inmem

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/session"
	"github.com/runwire/runwire/runtime/step"
)

func mkStep(sessionID string, seq int64, role model.Role, content string) *step.Step {
	return &step.Step{
		ID:        "step-test",
		SessionID: sessionID,
		Sequence:  seq,
		Role:      role,
		Content:   content,
	}
}

func TestSaveStepValidates(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.EqualError(t, s.SaveStep(ctx, nil), "step is required")
	require.EqualError(t, s.SaveStep(ctx, &step.Step{Sequence: 1, Role: "user"}), "step session id is required")
	require.EqualError(t, s.SaveStep(ctx, &step.Step{SessionID: "s", Role: "user"}), "step sequence must be positive")
	require.EqualError(t, s.SaveStep(ctx, &step.Step{SessionID: "s", Sequence: 1}), "step role is required")
}

func TestUpsertReplacesSameSequence(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveStep(ctx, mkStep("sess", 1, model.RoleAssistant, "draft")))
	require.NoError(t, s.SaveStep(ctx, mkStep("sess", 1, model.RoleAssistant, "final")))

	steps, err := s.GetSteps(ctx, "sess", session.StepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "final", steps[0].Content)
}

func TestAllocateSequenceMonotonic(t *testing.T) {
	s := New()
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := s.AllocateSequence(ctx, "sess")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Allocation in another session is independent.
	got, err := s.AllocateSequence(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestAllocateSequenceConcurrentUnique(t *testing.T) {
	s := New()
	ctx := context.Background()
	const n = 64

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.AllocateSequence(ctx, "sess")
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[seq], "sequence %d allocated twice", seq)
			seen[seq] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestAllocateSequenceSkipsForkedSteps(t *testing.T) {
	s := New()
	ctx := context.Background()

	// Steps written with explicit sequences, as a fork does.
	require.NoError(t, s.SaveStep(ctx, mkStep("sess", 7, model.RoleUser, "copied")))

	seq, err := s.AllocateSequence(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, int64(8), seq)
}

func TestGetStepsFilters(t *testing.T) {
	s := New()
	ctx := context.Background()

	steps := []*step.Step{
		{SessionID: "sess", Sequence: 1, Role: model.RoleUser, Content: "q", RunID: "r1"},
		{SessionID: "sess", Sequence: 2, Role: model.RoleAssistant, Content: "a", RunID: "r1", WorkflowID: "wf", NodeID: "n1", RunnableID: "draft"},
		{SessionID: "sess", Sequence: 3, Role: model.RoleAssistant, Content: "b", RunID: "r2", WorkflowID: "wf", NodeID: "n2", BranchKey: "branch_n2", RunnableID: "polish"},
		{SessionID: "sess", Sequence: 4, Role: model.RoleAssistant, Content: "c", RunID: "r2"},
	}
	require.NoError(t, s.SaveSteps(ctx, steps))

	got, err := s.GetSteps(ctx, "sess", session.StepFilter{RunID: "r2"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].Sequence)

	got, err = s.GetSteps(ctx, "sess", session.StepFilter{WorkflowID: "wf", NodeID: "n1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Content)

	got, err = s.GetSteps(ctx, "sess", session.StepFilter{BranchKey: "branch_n2"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.GetSteps(ctx, "sess", session.StepFilter{RunnableID: "polish"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Content)

	got, err = s.GetSteps(ctx, "sess", session.StepFilter{StartSeq: 2, EndSeq: 4})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Sequence)
	assert.Equal(t, int64(3), got[1].Sequence)

	got, err = s.GetSteps(ctx, "sess", session.StepFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Sequence)
}

func TestDeleteStepsFrom(t *testing.T) {
	s := New()
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, s.SaveStep(ctx, mkStep("sess", seq, model.RoleUser, "x")))
	}
	n, err := s.DeleteStepsFrom(ctx, "sess", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	steps, err := s.GetSteps(ctx, "sess", session.StepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, int64(2), steps[1].Sequence)
}

func TestGetStepByToolCallID(t *testing.T) {
	s := New()
	ctx := context.Background()

	tool := &step.Step{SessionID: "sess", Sequence: 3, Role: model.RoleTool, Content: "42", ToolCallID: "call_1", Name: "calc"}
	require.NoError(t, s.SaveStep(ctx, tool))

	got, err := s.GetStepByToolCallID(ctx, "sess", "call_1")
	require.NoError(t, err)
	assert.Equal(t, "42", got.Content)

	_, err = s.GetStepByToolCallID(ctx, "sess", "call_missing")
	assert.ErrorIs(t, err, session.ErrStepNotFound)
}

func TestLastAssistantContentPresenceVsAbsence(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, ok, err := s.LastAssistantContent(ctx, "sess", "", "")
	require.NoError(t, err)
	assert.False(t, ok)

	// An empty assistant content is present, not absent.
	require.NoError(t, s.SaveStep(ctx, &step.Step{SessionID: "sess", Sequence: 1, Role: model.RoleAssistant, Content: "", WorkflowID: "wf", NodeID: "n1"}))
	content, ok, err := s.LastAssistantContent(ctx, "sess", "wf", "n1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, content)

	require.NoError(t, s.SaveStep(ctx, &step.Step{SessionID: "sess", Sequence: 2, Role: model.RoleAssistant, Content: "newer", WorkflowID: "wf", NodeID: "n1"}))
	content, ok, err = s.LastAssistantContent(ctx, "sess", "wf", "n1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "newer", content)

	_, ok, err = s.LastAssistantContent(ctx, "sess", "wf", "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunRecords(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.Error(t, s.SaveRun(ctx, &step.Run{}))

	r1 := &step.Run{ID: "run-1", SessionID: "sess", RunnableID: "a", Status: step.RunRunning}
	r2 := &step.Run{ID: "run-2", SessionID: "sess", RunnableID: "b", Status: step.RunCompleted}
	require.NoError(t, s.SaveRun(ctx, r1))
	require.NoError(t, s.SaveRun(ctx, r2))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, step.RunRunning, got.Status)

	r1.Status = step.RunCompleted
	require.NoError(t, s.SaveRun(ctx, r1))
	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, step.RunCompleted, got.Status)

	runs, err := s.ListRuns(ctx, session.RunFilter{SessionID: "sess"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)

	runs, err = s.ListRuns(ctx, session.RunFilter{SessionID: "sess", Statuses: []step.RunStatus{step.RunRunning}})
	require.NoError(t, err)
	assert.Empty(t, runs)

	require.NoError(t, s.DeleteRun(ctx, "run-1"))
	_, err = s.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, session.ErrRunNotFound)
	require.NoError(t, s.DeleteRun(ctx, "run-1"))
}

func TestCloneOnRead(t *testing.T) {
	s := New()
	ctx := context.Background()

	orig := &step.Step{
		SessionID: "sess", Sequence: 1, Role: model.RoleAssistant,
		ToolCalls: []model.ToolCall{{ID: "call_1", Name: "calc", Arguments: "{}"}},
	}
	require.NoError(t, s.SaveStep(ctx, orig))

	got, err := s.GetLastStep(ctx, "sess")
	require.NoError(t, err)
	got.ToolCalls[0].Name = "mutated"
	got.Content = "mutated"

	again, err := s.GetLastStep(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, "calc", again.ToolCalls[0].Name)
	assert.Empty(t, again.Content)
}

func TestFork(t *testing.T) {
	s := New()
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, s.SaveStep(ctx, mkStep("src", seq, model.RoleUser, "x")))
	}

	n, err := session.Fork(ctx, s, "src", "dst", 4)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	dst, err := s.GetSteps(ctx, "dst", session.StepFilter{})
	require.NoError(t, err)
	require.Len(t, dst, 3)
	assert.Equal(t, int64(3), dst[2].Sequence)
	for _, st := range dst {
		assert.Equal(t, "dst", st.SessionID)
		assert.NotEqual(t, "step-test", st.ID)
	}

	// Source untouched, and new writes to the fork start after the copy.
	src, err := s.GetSteps(ctx, "src", session.StepFilter{})
	require.NoError(t, err)
	assert.Len(t, src, 5)
	seq, err := s.AllocateSequence(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)

	_, err = session.Fork(ctx, s, "src", "src", 2)
	assert.Error(t, err)
}

package stepexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/runwire/runwire/runtime/abort"
	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/model/modeltest"
	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/session"
	"github.com/runwire/runwire/runtime/session/inmem"
	"github.com/runwire/runwire/runtime/step"
	"github.com/runwire/runwire/runtime/toolexec"
	"github.com/runwire/runwire/runtime/tools"
)

type fixture struct {
	store  *inmem.Store
	client *modeltest.ScriptClient
	exec   *Executor
	rc     *run.Context
	events []*step.Event
	done   chan struct{}
}

func newFixture(t *testing.T, maxSteps int, toolList []tools.Tool, scripts ...[]*model.Chunk) *fixture {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range toolList {
		require.NoError(t, reg.Register(tool))
	}
	te, err := toolexec.New(toolexec.Options{Registry: reg})
	require.NoError(t, err)

	store := inmem.New()
	client := modeltest.NewScriptClient(scripts...)
	exec, err := New(Options{
		Client:   client,
		Store:    store,
		Tools:    te,
		MaxSteps: maxSteps,
		Model:    "test-model",
		Provider: "test",
	})
	require.NoError(t, err)

	f := &fixture{store: store, client: client, exec: exec, rc: run.New("sess"), done: make(chan struct{})}
	sub := f.rc.Wire.Subscribe()
	go func() {
		for ev := range sub.Events() {
			f.events = append(f.events, ev)
		}
		close(f.done)
	}()
	return f
}

func (f *fixture) finish() {
	f.rc.Wire.Close()
	<-f.done
}

func calcTool() tools.Tool {
	return &tools.Func{
		ToolName: "calc",
		Desc:     "evaluates",
		Schema: tools.ObjectSchema(map[string]any{
			"expr": map[string]any{"type": "string"},
		}, "expr"),
		Fn: func(_ context.Context, args map[string]any, _ *run.Context) (*step.ToolResult, error) {
			return &step.ToolResult{Content: "4", Success: true}, nil
		},
	}
}

func userMessage(content string) []model.Message {
	return []model.Message{{Role: model.RoleUser, Content: content}}
}

func TestSingleTurnNoTools(t *testing.T) {
	f := newFixture(t, 0, nil, []*model.Chunk{
		{Content: "Hello"},
		{Content: ", world"},
		{Usage: &model.TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
	})

	res, err := f.exec.Run(context.Background(), f.rc, userMessage("hi"), nil)
	require.NoError(t, err)
	f.finish()

	assert.Equal(t, "Hello, world", res.Content)
	assert.Equal(t, 1, res.AssistantSteps)
	assert.Zero(t, res.ToolCalls)
	assert.False(t, res.StoppedOnMaxSteps)
	assert.Equal(t, 5, res.Usage.TotalTokens)

	// One assistant step persisted with assembled content and metrics.
	steps, err := f.store.GetSteps(context.Background(), "sess", session.StepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	st := steps[0]
	assert.Equal(t, model.RoleAssistant, st.Role)
	assert.Equal(t, "Hello, world", st.Content)
	assert.Equal(t, int64(1), st.Sequence)
	assert.Equal(t, f.rc.RunID, st.RunID)
	require.NotNil(t, st.Metrics)
	assert.Equal(t, 5, st.Metrics.TotalTokens)
	assert.Equal(t, "test-model", st.Metrics.Model)

	// Deltas precede the completed event for the same step.
	var kinds []step.EventKind
	for _, ev := range f.events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []step.EventKind{step.KindStepDelta, step.KindStepDelta, step.KindStepCompleted}, kinds)
	assert.Equal(t, "Hello", f.events[0].Delta.Content)
	assert.Equal(t, st.ID, f.events[2].StepID)
}

func TestToolCallRoundTrip(t *testing.T) {
	f := newFixture(t, 0, []tools.Tool{calcTool()},
		modeltest.ToolCall("call_1", "calc", `{"expr":"2+2"}`),
		modeltest.Text("The answer is 4."),
	)

	res, err := f.exec.Run(context.Background(), f.rc, userMessage("what is 2+2?"), nil)
	require.NoError(t, err)
	f.finish()

	assert.Equal(t, "The answer is 4.", res.Content)
	assert.Equal(t, 2, res.AssistantSteps)
	assert.Equal(t, 1, res.ToolCalls)

	steps, err := f.store.GetSteps(context.Background(), "sess", session.StepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 3)

	// assistant(tool_calls) -> tool -> assistant(final), contiguous sequences.
	assert.Equal(t, model.RoleAssistant, steps[0].Role)
	require.Len(t, steps[0].ToolCalls, 1)
	assert.Equal(t, model.ToolCall{ID: "call_1", Name: "calc", Arguments: `{"expr":"2+2"}`}, steps[0].ToolCalls[0])
	assert.Equal(t, model.RoleTool, steps[1].Role)
	assert.Equal(t, "call_1", steps[1].ToolCallID)
	assert.Equal(t, "calc", steps[1].Name)
	assert.Equal(t, "4", steps[1].Content)
	assert.Equal(t, model.RoleAssistant, steps[2].Role)
	assert.Equal(t, []int64{1, 2, 3}, []int64{steps[0].Sequence, steps[1].Sequence, steps[2].Sequence})

	// The second request carried the assistant tool calls and tool result.
	require.Len(t, f.client.Requests, 2)
	second := f.client.Requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, model.RoleAssistant, second[1].Role)
	assert.Equal(t, model.RoleTool, second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCallID)
}

func TestStepsCarryTraceIDs(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01},
		SpanID:  trace.SpanID{0x01},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	f := newFixture(t, 0, []tools.Tool{calcTool()},
		modeltest.ToolCall("call_1", "calc", `{"expr":"2+2"}`),
		modeltest.Text("done"),
	)
	_, err := f.exec.Run(ctx, f.rc, userMessage("q"), nil)
	require.NoError(t, err)
	f.finish()

	steps, err := f.store.GetSteps(context.Background(), "sess", session.StepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, st := range steps {
		assert.Equal(t, sc.TraceID().String(), st.TraceID)
		assert.NotEmpty(t, st.SpanID)
	}
}

func TestToolFailureSurfacesToModel(t *testing.T) {
	failing := &tools.Func{
		ToolName: "fragile",
		Fn: func(context.Context, map[string]any, *run.Context) (*step.ToolResult, error) {
			return nil, assert.AnError
		},
	}
	f := newFixture(t, 0, []tools.Tool{failing},
		modeltest.ToolCall("call_1", "fragile", `{}`),
		modeltest.Text("I could not run the tool."),
	)

	res, err := f.exec.Run(context.Background(), f.rc, userMessage("go"), nil)
	require.NoError(t, err)
	f.finish()

	assert.Equal(t, "I could not run the tool.", res.Content)
	steps, err := f.store.GetSteps(context.Background(), "sess", session.StepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Contains(t, steps[1].Content, "fragile failed")
}

func TestResumeWithPendingToolCalls(t *testing.T) {
	// The transcript already holds user + assistant(tool_calls); only the
	// final completion is scripted.
	f := newFixture(t, 0, []tools.Tool{calcTool()},
		modeltest.Text("Resumed: 4."),
	)
	ctx := context.Background()

	history := []*step.Step{
		{SessionID: "sess", Sequence: 1, Role: model.RoleUser, Content: "what is 2+2?"},
		{SessionID: "sess", Sequence: 2, Role: model.RoleAssistant, ToolCalls: []model.ToolCall{
			{ID: "call_9", Name: "calc", Arguments: `{"expr":"2+2"}`},
		}},
	}
	require.NoError(t, f.store.SaveSteps(ctx, history))
	for range history {
		_, err := f.store.AllocateSequence(ctx, "sess")
		require.NoError(t, err)
	}

	pending := session.PendingToolCalls(history)
	require.Len(t, pending, 1)

	res, err := f.exec.Run(ctx, f.rc, step.Messages(history), pending)
	require.NoError(t, err)
	f.finish()

	assert.Equal(t, "Resumed: 4.", res.Content)
	steps, err := f.store.GetSteps(ctx, "sess", session.StepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, model.RoleTool, steps[2].Role)
	assert.Equal(t, "call_9", steps[2].ToolCallID)
	assert.Equal(t, model.RoleAssistant, steps[3].Role)

	// The completion request saw the tool result.
	require.Len(t, f.client.Requests, 1)
	msgs := f.client.Requests[0].Messages
	assert.Equal(t, model.RoleTool, msgs[len(msgs)-1].Role)
}

func TestMaxStepsTerminates(t *testing.T) {
	// The model asks for a tool on every turn; the loop must stop anyway.
	f := newFixture(t, 3, []tools.Tool{calcTool()},
		modeltest.ToolCall("call_1", "calc", `{"expr":"1"}`),
		modeltest.ToolCall("call_2", "calc", `{"expr":"2"}`),
		modeltest.ToolCall("call_3", "calc", `{"expr":"3"}`),
	)

	res, err := f.exec.Run(context.Background(), f.rc, userMessage("loop"), nil)
	require.NoError(t, err)
	f.finish()

	assert.True(t, res.StoppedOnMaxSteps)
	assert.Equal(t, 3, res.AssistantSteps)
	assert.Equal(t, 3, f.client.Calls())
}

func TestAbortBeforeFirstStep(t *testing.T) {
	f := newFixture(t, 0, nil, modeltest.Text("never"))
	f.rc.Signal.Abort("user cancelled")

	_, err := f.exec.Run(context.Background(), f.rc, userMessage("hi"), nil)
	require.Error(t, err)
	assert.True(t, abort.IsAbort(err))
	f.finish()
	assert.Zero(t, f.client.Calls())
}

// abortOnAssistantStore latches the signal the moment an assistant step is
// written, so the executor observes the abort at the pre-tool check.
type abortOnAssistantStore struct {
	session.Store
	sig *abort.Signal
}

func (s *abortOnAssistantStore) SaveStep(ctx context.Context, st *step.Step) error {
	if st.Role == model.RoleAssistant {
		s.sig.Abort("operator stop")
	}
	return s.Store.SaveStep(ctx, st)
}

func TestAbortBetweenStepAndTools(t *testing.T) {
	tool := &tools.Func{
		ToolName: "never_runs",
		Fn: func(context.Context, map[string]any, *run.Context) (*step.ToolResult, error) {
			t.Error("tool executed after abort")
			return &step.ToolResult{Content: "ran", Success: true}, nil
		},
	}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tool))
	te, err := toolexec.New(toolexec.Options{Registry: reg})
	require.NoError(t, err)

	rc := run.New("sess")
	inner := inmem.New()
	store := &abortOnAssistantStore{Store: inner, sig: rc.Signal}
	exec, err := New(Options{
		Client: modeltest.NewScriptClient(modeltest.ToolCall("call_1", "never_runs", `{}`)),
		Store:  store,
		Tools:  te,
	})
	require.NoError(t, err)

	_, err = exec.Run(context.Background(), rc, userMessage("hi"), nil)
	require.Error(t, err)
	assert.True(t, abort.IsAbort(err))
	rc.Wire.Close()

	// The assistant step persisted but no tool step followed.
	steps, err := inner.GetSteps(context.Background(), "sess", session.StepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.RoleAssistant, steps[0].Role)
}

func TestNewValidatesOptions(t *testing.T) {
	reg := tools.NewRegistry()
	te, err := toolexec.New(toolexec.Options{Registry: reg})
	require.NoError(t, err)
	client := modeltest.NewScriptClient()
	store := inmem.New()

	_, err = New(Options{Store: store, Tools: te})
	require.EqualError(t, err, "model client is required")
	_, err = New(Options{Client: client, Tools: te})
	require.EqualError(t, err, "store is required")
	_, err = New(Options{Client: client, Store: store})
	require.EqualError(t, err, "tool executor is required")
}

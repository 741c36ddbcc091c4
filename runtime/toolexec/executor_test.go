package toolexec

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/step"
	"github.com/runwire/runwire/runtime/tools"
)

func newExecutor(t *testing.T, ts ...tools.Tool) *Executor {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range ts {
		require.NoError(t, reg.Register(tool))
	}
	e, err := New(Options{Registry: reg})
	require.NoError(t, err)
	return e
}

func addTool() *tools.Func {
	return &tools.Func{
		ToolName: "add",
		Desc:     "adds two numbers",
		Schema: tools.ObjectSchema(map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		}, "a", "b"),
		Fn: func(_ context.Context, args map[string]any, _ *run.Context) (*step.ToolResult, error) {
			sum := args["a"].(float64) + args["b"].(float64)
			return &step.ToolResult{Content: "3", Output: sum, Success: true}, nil
		},
	}
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "registry is required")
}

func TestExecuteSuccess(t *testing.T) {
	e := newExecutor(t, addTool())
	rc := run.New("sess")

	res := e.Execute(context.Background(), model.ToolCall{ID: "call_1", Name: "add", Arguments: `{"a":1,"b":2}`}, rc)
	require.True(t, res.Success)
	assert.Equal(t, "3", res.Content)
	assert.Equal(t, "add", res.ToolName)
	assert.Equal(t, "call_1", res.ToolCallID)
	assert.Equal(t, float64(1), res.Args["a"])
	assert.False(t, res.StartedAt.IsZero())
	assert.GreaterOrEqual(t, res.EndedAt.UnixNano(), res.StartedAt.UnixNano())
}

func TestExecuteInvalidJSONArguments(t *testing.T) {
	e := newExecutor(t, addTool())
	res := e.Execute(context.Background(), model.ToolCall{ID: "call_1", Name: "add", Arguments: `{"a":`}, run.New("sess"))
	require.False(t, res.Success)
	assert.Contains(t, res.Content, "invalid JSON arguments")
	assert.Equal(t, res.Content, res.Error)
}

func TestExecuteSchemaViolation(t *testing.T) {
	e := newExecutor(t, addTool())
	res := e.Execute(context.Background(), model.ToolCall{ID: "call_1", Name: "add", Arguments: `{"a":1}`}, run.New("sess"))
	require.False(t, res.Success)
	assert.Contains(t, res.Content, "invalid arguments")
}

func TestExecuteUnknownTool(t *testing.T) {
	e := newExecutor(t, addTool())
	res := e.Execute(context.Background(), model.ToolCall{ID: "call_1", Name: "vanish", Arguments: `{}`}, run.New("sess"))
	require.False(t, res.Success)
	assert.Equal(t, "tool vanish not found", res.Content)
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	panicky := &tools.Func{
		ToolName: "boom",
		Fn: func(context.Context, map[string]any, *run.Context) (*step.ToolResult, error) {
			panic("kaboom")
		},
	}
	e := newExecutor(t, panicky)
	res := e.Execute(context.Background(), model.ToolCall{ID: "call_1", Name: "boom", Arguments: `{}`}, run.New("sess"))
	require.False(t, res.Success)
	assert.Contains(t, res.Content, "panicked")
	assert.Contains(t, res.Content, "kaboom")
}

func TestExecuteToolErrorBecomesFailure(t *testing.T) {
	failing := &tools.Func{
		ToolName: "flaky",
		Fn: func(context.Context, map[string]any, *run.Context) (*step.ToolResult, error) {
			return nil, assert.AnError
		},
	}
	e := newExecutor(t, failing)
	res := e.Execute(context.Background(), model.ToolCall{ID: "call_1", Name: "flaky", Arguments: `{}`}, run.New("sess"))
	require.False(t, res.Success)
	assert.Contains(t, res.Content, "flaky failed")
}

func TestBatchResultsInCallOrder(t *testing.T) {
	slow := &tools.Func{
		ToolName: "slow",
		Fn: func(context.Context, map[string]any, *run.Context) (*step.ToolResult, error) {
			time.Sleep(20 * time.Millisecond)
			return &step.ToolResult{Content: "slow", Success: true}, nil
		},
	}
	fast := &tools.Func{
		ToolName: "fast",
		Fn: func(context.Context, map[string]any, *run.Context) (*step.ToolResult, error) {
			return &step.ToolResult{Content: "fast", Success: true}, nil
		},
	}
	e := newExecutor(t, slow, fast)
	results := e.ExecuteBatch(context.Background(), []model.ToolCall{
		{ID: "c1", Name: "slow", Arguments: `{}`},
		{ID: "c2", Name: "fast", Arguments: `{}`},
	}, run.New("sess"))
	require.Len(t, results, 2)
	assert.Equal(t, "slow", results[0].Content)
	assert.Equal(t, "fast", results[1].Content)
}

func TestBatchParallelWhenAllSafe(t *testing.T) {
	var inFlight, peak int32
	gate := &tools.Func{
		ToolName: "gate",
		Fn: func(context.Context, map[string]any, *run.Context) (*step.ToolResult, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return &step.ToolResult{Content: "ok", Success: true}, nil
		},
	}
	e := newExecutor(t, gate)
	calls := []model.ToolCall{
		{ID: "c1", Name: "gate", Arguments: `{}`},
		{ID: "c2", Name: "gate", Arguments: `{}`},
		{ID: "c3", Name: "gate", Arguments: `{}`},
	}
	e.ExecuteBatch(context.Background(), calls, run.New("sess"))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestBatchSerialWhenAnyUnsafe(t *testing.T) {
	var inFlight, peak int32
	track := func(context.Context, map[string]any, *run.Context) (*step.ToolResult, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &step.ToolResult{Content: "ok", Success: true}, nil
	}
	safe := &tools.Func{ToolName: "safe", Fn: track}
	unsafe := &tools.Func{ToolName: "unsafe", Unsafe: true, Fn: track}

	e := newExecutor(t, safe, unsafe)
	e.ExecuteBatch(context.Background(), []model.ToolCall{
		{ID: "c1", Name: "safe", Arguments: `{}`},
		{ID: "c2", Name: "unsafe", Arguments: `{}`},
		{ID: "c3", Name: "safe", Arguments: `{}`},
	}, run.New("sess"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestUnsafeToolSerializedAcrossBatches(t *testing.T) {
	var inFlight, peak int32
	unsafe := &tools.Func{
		ToolName: "mutator",
		Unsafe:   true,
		Fn: func(context.Context, map[string]any, *run.Context) (*step.ToolResult, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return &step.ToolResult{Content: "ok", Success: true}, nil
		},
	}
	e := newExecutor(t, unsafe)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Execute(context.Background(), model.ToolCall{ID: "c", Name: "mutator", Arguments: `{}`}, run.New("sess"))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestEmptyBatch(t *testing.T) {
	e := newExecutor(t, addTool())
	results := e.ExecuteBatch(context.Background(), nil, run.New("sess"))
	assert.Empty(t, results)
}

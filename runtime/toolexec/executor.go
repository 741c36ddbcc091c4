// Package toolexec executes batches of tool calls requested by the model.
// Failures never escape the tool boundary: invalid arguments, unknown tools,
// returned errors and panics all become unsuccessful results the model can
// read and react to.
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/step"
	"github.com/runwire/runwire/runtime/telemetry"
	"github.com/runwire/runwire/runtime/tools"
)

type (
	// Executor dispatches tool calls against a registry.
	Executor struct {
		registry *tools.Registry
		logger   telemetry.Logger
	}

	// Options configures an Executor.
	Options struct {
		// Registry holds the executable tools. Required.
		Registry *tools.Registry
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}
)

// New constructs an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Executor{registry: opts.Registry, logger: logger}, nil
}

// Registry returns the registry backing the executor.
func (e *Executor) Registry() *tools.Registry { return e.registry }

// ExecuteBatch runs every call of the batch and returns one result per call,
// in call order. The batch runs in parallel only when every named tool is
// concurrency safe; otherwise it runs serially. Results are never nil.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []model.ToolCall, rc *run.Context) []*step.ToolResult {
	results := make([]*step.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}
	if e.parallelizable(calls) {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call model.ToolCall) {
				defer wg.Done()
				results[i] = e.executeOne(ctx, call, rc)
			}(i, call)
		}
		wg.Wait()
		return results
	}
	for i, call := range calls {
		results[i] = e.executeOne(ctx, call, rc)
	}
	return results
}

// Execute runs a single tool call.
func (e *Executor) Execute(ctx context.Context, call model.ToolCall, rc *run.Context) *step.ToolResult {
	return e.executeOne(ctx, call, rc)
}

// parallelizable reports whether every call targets a concurrency safe tool.
// Unknown tools do not disqualify the batch; their failure results are
// produced without running anything.
func (e *Executor) parallelizable(calls []model.ToolCall) bool {
	for _, call := range calls {
		t, ok := e.registry.Lookup(call.Name)
		if ok && !t.ConcurrencySafe() {
			return false
		}
	}
	return true
}

func (e *Executor) executeOne(ctx context.Context, call model.ToolCall, rc *run.Context) (res *step.ToolResult) {
	start := time.Now().UTC()
	fail := func(msg string) *step.ToolResult {
		end := time.Now().UTC()
		return &step.ToolResult{
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Content:    msg,
			Error:      msg,
			Success:    false,
			StartedAt:  start,
			EndedAt:    end,
			Duration:   end.Sub(start),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "tool panicked", "tool", call.Name, "tool_call_id", call.ID, "panic", fmt.Sprint(r))
			res = fail(fmt.Sprintf("tool %s panicked: %v", call.Name, r))
		}
	}()

	tool, ok := e.registry.Lookup(call.Name)
	if !ok {
		return fail(fmt.Sprintf("tool %s not found", call.Name))
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return fail(fmt.Sprintf("invalid JSON arguments for tool %s: %v", call.Name, err))
		}
	}
	if err := e.registry.ValidateArgs(call.Name, args); err != nil {
		return fail(err.Error())
	}

	if mu := e.registry.Exclusive(call.Name); mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}

	e.logger.Debug(ctx, "executing tool", "tool", call.Name, "tool_call_id", call.ID)
	result, err := tool.Execute(ctx, args, rc)
	end := time.Now().UTC()
	if err != nil {
		e.logger.Warn(ctx, "tool failed", "tool", call.Name, "tool_call_id", call.ID, "err", err)
		return fail(fmt.Sprintf("tool %s failed: %v", call.Name, err))
	}
	if result == nil {
		result = &step.ToolResult{Success: true}
	}
	result.ToolName = call.Name
	result.ToolCallID = call.ID
	if result.Args == nil {
		result.Args = args
	}
	result.StartedAt = start
	result.EndedAt = end
	result.Duration = end.Sub(start)
	if !result.Success && result.Content == "" {
		result.Content = result.Error
	}
	return result
}

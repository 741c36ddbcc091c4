// Package stepexec drives the model/tool loop for a single run: it streams
// one completion at a time, assembles tool calls from fragments, executes
// them, persists every step and emits wire events along the way.
package stepexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/session"
	"github.com/runwire/runwire/runtime/step"
	"github.com/runwire/runwire/runtime/telemetry"
	"github.com/runwire/runwire/runtime/toolexec"
)

const defaultMaxSteps = 16

type (
	// Executor runs the model/tool loop. One Executor serves many runs.
	Executor struct {
		client   model.Client
		store    session.Store
		tools    *toolexec.Executor
		logger   telemetry.Logger
		maxSteps int

		modelName   string
		provider    string
		temperature float64
		maxTokens   int
	}

	// Options configures an Executor.
	Options struct {
		// Client is the model used for completions. Required.
		Client model.Client
		// Store persists minted steps. Required.
		Store session.Store
		// Tools executes tool calls. Required.
		Tools *toolexec.Executor
		// MaxSteps bounds assistant steps per run. Zero means the default.
		MaxSteps int
		// Model and Provider label step metrics.
		Model    string
		Provider string
		// Temperature and MaxTokens are forwarded on every request.
		Temperature float64
		MaxTokens   int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Result is the outcome of one executor run.
	Result struct {
		// Content is the final assistant content. When the loop stops on
		// MaxSteps it is the content of the last assistant step.
		Content string
		// StoppedOnMaxSteps is true when the loop exhausted its budget
		// while the model still wanted tools.
		StoppedOnMaxSteps bool
		AssistantSteps    int
		ToolCalls         int
		Usage             model.TokenUsage
	}
)

// New constructs an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Client == nil {
		return nil, errors.New("model client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("tool executor is required")
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Executor{
		client:      opts.Client,
		store:       opts.Store,
		tools:       opts.Tools,
		logger:      logger,
		maxSteps:    maxSteps,
		modelName:   opts.Model,
		provider:    opts.Provider,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}, nil
}

// Run executes the loop until the model answers without tool calls, the step
// budget is exhausted or the run aborts. messages is the transcript so far;
// pending holds tool calls from a previous run that were never answered and
// are executed before the first completion.
func (e *Executor) Run(ctx context.Context, rc *run.Context, messages []model.Message, pending []model.ToolCall) (*Result, error) {
	res := &Result{}

	if len(pending) > 0 {
		if err := e.abortErr(rc); err != nil {
			return nil, err
		}
		var err error
		messages, err = e.runTools(ctx, rc, pending, messages, res)
		if err != nil {
			return nil, err
		}
	}

	var lastContent string
	for i := 0; i < e.maxSteps; i++ {
		if err := e.abortErr(rc); err != nil {
			return nil, err
		}

		st, usage, err := e.streamStep(ctx, rc, messages)
		if err != nil {
			return nil, err
		}
		res.AssistantSteps++
		addUsage(&res.Usage, usage)
		lastContent = st.Content
		messages = append(messages, st.Message())

		if len(st.ToolCalls) == 0 {
			res.Content = st.Content
			return res, nil
		}
		res.ToolCalls += len(st.ToolCalls)

		if err := e.abortErr(rc); err != nil {
			return nil, err
		}
		messages, err = e.runTools(ctx, rc, st.ToolCalls, messages, res)
		if err != nil {
			return nil, err
		}
	}

	e.logger.Warn(ctx, "step budget exhausted", "run_id", rc.RunID, "max_steps", e.maxSteps)
	res.Content = lastContent
	res.StoppedOnMaxSteps = true
	return res, nil
}

// streamStep performs one streaming completion and persists the resulting
// assistant step.
func (e *Executor) streamStep(ctx context.Context, rc *run.Context, messages []model.Message) (*step.Step, model.TokenUsage, error) {
	ctx, endSpan := telemetry.StartSpan(ctx, "stepexec.stream",
		attribute.String("run.id", rc.RunID),
		attribute.String("model.name", e.modelName))
	defer endSpan()

	var usage model.TokenUsage

	seq, err := e.store.AllocateSequence(ctx, rc.SessionID)
	if err != nil {
		return nil, usage, fmt.Errorf("allocate sequence: %w", err)
	}
	stepID := "step-" + uuid.NewString()

	req := &model.Request{
		Model:       e.modelName,
		Messages:    messages,
		Tools:       e.tools.Registry().Definitions(),
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	}
	start := time.Now().UTC()
	streamer, err := e.client.Stream(ctx, req)
	if err != nil {
		return nil, usage, fmt.Errorf("model stream: %w", err)
	}
	defer streamer.Close()

	var (
		content    []byte
		acc        = model.NewToolCallAccumulator()
		firstToken time.Time
	)
	for {
		chunk, err := streamer.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, usage, fmt.Errorf("model stream recv: %w", err)
		}
		if firstToken.IsZero() && (chunk.Content != "" || len(chunk.ToolCalls) > 0) {
			firstToken = time.Now().UTC()
		}
		if chunk.Content != "" {
			content = append(content, chunk.Content...)
			rc.Publish(&step.Event{
				Kind:   step.KindStepDelta,
				StepID: stepID,
				Delta:  &step.Delta{Content: chunk.Content},
			})
		}
		if len(chunk.ToolCalls) > 0 {
			acc.AddAll(chunk.ToolCalls)
			rc.Publish(&step.Event{
				Kind:   step.KindStepDelta,
				StepID: stepID,
				Delta:  &step.Delta{ToolCalls: chunk.ToolCalls},
			})
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}
	end := time.Now().UTC()

	traceID, spanID := telemetry.SpanIDs(ctx)
	st := &step.Step{
		ID:           stepID,
		SessionID:    rc.SessionID,
		RunID:        rc.RunID,
		Sequence:     seq,
		Role:         model.RoleAssistant,
		Content:      string(content),
		ToolCalls:    acc.Finalize(),
		WorkflowID:   rc.WorkflowID,
		NodeID:       rc.NodeID,
		BranchKey:    rc.BranchKey,
		Iteration:    rc.Iteration,
		RunnableID:   rc.RunnableID,
		RunnableType: rc.RunnableType,
		ParentRunID:  rc.ParentRunID,
		Depth:        rc.Depth,
		TraceID:      traceID,
		SpanID:       spanID,
		CreatedAt:    end,
		Metrics: &step.Metrics{
			DurationMS:       end.Sub(start).Milliseconds(),
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
			Model:            e.modelName,
			Provider:         e.provider,
		},
	}
	if !firstToken.IsZero() {
		st.Metrics.FirstTokenMS = firstToken.Sub(start).Milliseconds()
	}
	if err := e.store.SaveStep(ctx, st); err != nil {
		return nil, usage, fmt.Errorf("save assistant step: %w", err)
	}
	rc.Publish(&step.Event{Kind: step.KindStepCompleted, StepID: stepID, Step: st})
	return st, usage, nil
}

// runTools executes a batch, persists one tool step per result and returns
// the transcript with the tool messages appended.
func (e *Executor) runTools(ctx context.Context, rc *run.Context, calls []model.ToolCall, messages []model.Message, res *Result) ([]model.Message, error) {
	ctx, endSpan := telemetry.StartSpan(ctx, "stepexec.tools",
		attribute.String("run.id", rc.RunID),
		attribute.Int("tool.calls", len(calls)))
	defer endSpan()

	results := e.tools.ExecuteBatch(ctx, calls, rc)
	for _, tr := range results {
		seq, err := e.store.AllocateSequence(ctx, rc.SessionID)
		if err != nil {
			return nil, fmt.Errorf("allocate sequence: %w", err)
		}
		traceID, spanID := telemetry.SpanIDs(ctx)
		st := &step.Step{
			ID:           "step-" + uuid.NewString(),
			SessionID:    rc.SessionID,
			RunID:        rc.RunID,
			Sequence:     seq,
			Role:         model.RoleTool,
			Content:      tr.Content,
			ToolCallID:   tr.ToolCallID,
			Name:         tr.ToolName,
			WorkflowID:   rc.WorkflowID,
			NodeID:       rc.NodeID,
			BranchKey:    rc.BranchKey,
			Iteration:    rc.Iteration,
			RunnableID:   rc.RunnableID,
			RunnableType: rc.RunnableType,
			ParentRunID:  rc.ParentRunID,
			Depth:        rc.Depth,
			TraceID:      traceID,
			SpanID:       spanID,
			CreatedAt:    tr.EndedAt,
			Metrics: &step.Metrics{
				ToolDurationMS: tr.Duration.Milliseconds(),
			},
		}
		if err := e.store.SaveStep(ctx, st); err != nil {
			return nil, fmt.Errorf("save tool step: %w", err)
		}
		rc.Publish(&step.Event{Kind: step.KindStepCompleted, StepID: st.ID, Step: st})
		messages = append(messages, st.Message())
	}
	return messages, nil
}

func (e *Executor) abortErr(rc *run.Context) error {
	if rc.Signal == nil {
		return nil
	}
	return rc.Signal.Err()
}

func addUsage(total *model.TokenUsage, u model.TokenUsage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}

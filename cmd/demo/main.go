// Command demo runs a small streaming assistant against the configured model
// provider and session store. With no config it runs fully offline on a
// scripted model, which makes it a quick smoke test of the whole runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/runwire/runwire/features/model/anthropic"
	"github.com/runwire/runwire/features/model/middleware"
	"github.com/runwire/runwire/features/model/openai"
	storemongo "github.com/runwire/runwire/features/session/mongo"
	featpulse "github.com/runwire/runwire/features/wire/pulse"
	clientspulse "github.com/runwire/runwire/features/wire/pulse/clients/pulse"
	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/model/modeltest"
	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/runnable"
	"github.com/runwire/runwire/runtime/session"
	"github.com/runwire/runwire/runtime/session/inmem"
	"github.com/runwire/runwire/runtime/step"
	"github.com/runwire/runwire/runtime/stepexec"
	"github.com/runwire/runwire/runtime/telemetry"
	"github.com/runwire/runwire/runtime/toolexec"
	"github.com/runwire/runwire/runtime/tools"
	"github.com/runwire/runwire/runtime/wire"
	"github.com/runwire/runwire/runtime/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	sessionID := flag.String("session", "demo-session", "session identifier")
	mode := flag.String("mode", "agent", "agent or pipeline")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := realMain(ctx, *configPath, *sessionID, *mode, strings.Join(flag.Args(), " ")); err != nil {
		log.Errorf(ctx, err, "demo failed")
		os.Exit(1)
	}
}

func realMain(ctx context.Context, configPath, sessionID, mode, input string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if input == "" {
		input = "What time is it?"
	}
	logger := telemetry.NewClueLogger()

	store, cleanup, err := buildStore(ctx, cfg.Session)
	if err != nil {
		return err
	}
	defer cleanup()

	client, err := buildModelClient(ctx, cfg.Model, mode)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	if err := registry.Register(clockTool()); err != nil {
		return err
	}
	texec, err := toolexec.New(toolexec.Options{Registry: registry, Logger: logger})
	if err != nil {
		return err
	}
	sexec, err := stepexec.New(stepexec.Options{
		Client:   client,
		Store:    store,
		Tools:    texec,
		MaxSteps: cfg.MaxSteps,
		Model:    cfg.Model.Name,
		Provider: cfg.Model.Provider,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	var target runnable.Runnable
	switch mode {
	case "agent":
		target, err = runnable.NewAgent(runnable.AgentOptions{
			ID:           "assistant",
			Executor:     sexec,
			Store:        store,
			SystemPrompt: cfg.SystemPrompt,
		})
	case "pipeline":
		target, err = buildPipeline(sexec, store)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return err
	}

	rc := run.New(sessionID)

	// Print assistant deltas as they arrive.
	printed := make(chan struct{})
	sub := rc.Wire.Subscribe()
	go func() {
		defer close(printed)
		for ev := range sub.Events() {
			switch ev.Kind {
			case step.KindStepDelta:
				if ev.Delta != nil {
					fmt.Print(ev.Delta.Content)
				}
			case step.KindStepCompleted:
				if ev.Step != nil && ev.Step.Role == model.RoleTool {
					fmt.Printf("\n[tool %s] %s\n", ev.Step.Name, ev.Step.Content)
				}
			}
		}
	}()

	// Mirror events to Pulse when configured, so external consumers can
	// tail the run.
	if cfg.Stream.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Stream.RedisAddr})
		pc, err := clientspulse.New(clientspulse.Options{
			Redis:        rdb,
			StreamMaxLen: cfg.Stream.StreamMaxLen,
		})
		if err != nil {
			return err
		}
		sink, err := featpulse.NewSink(featpulse.Options{Client: pc})
		if err != nil {
			return err
		}
		go func() {
			if err := wire.Forward(ctx, rc.Wire.Subscribe(), sink); err != nil {
				log.Errorf(ctx, err, "pulse forward stopped")
			}
		}()
	}

	out, err := target.Run(ctx, input, rc)
	rc.Wire.Close()
	<-printed
	if err != nil {
		return err
	}
	fmt.Println()
	log.Print(ctx, log.KV{K: "msg", V: "run complete"},
		log.KV{K: "run_id", V: out.RunID},
		log.KV{K: "tool_calls", V: out.ToolCalls},
		log.KV{K: "total_tokens", V: out.Usage.TotalTokens})
	return nil
}

func buildStore(ctx context.Context, cfg SessionConfig) (session.Store, func(), error) {
	if cfg.Backend != "mongo" {
		return inmem.New(), func() {}, nil
	}
	mc, err := mongo.Connect(mongoopts.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	client, err := storemongo.New(ctx, storemongo.Options{
		Client:   mc,
		Database: cfg.Database,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		_ = mc.Disconnect(ctx)
		return nil, nil, err
	}
	return client, func() { _ = client.Close(context.Background()) }, nil
}

// buildPipeline chains a drafting agent into a polishing agent over the same
// session store.
func buildPipeline(sexec *stepexec.Executor, store session.Store) (runnable.Runnable, error) {
	draft, err := runnable.NewAgent(runnable.AgentOptions{
		ID:           "draft",
		Executor:     sexec,
		Store:        store,
		SystemPrompt: "Write a first draft. Keep it rough and fast.",
	})
	if err != nil {
		return nil, err
	}
	polish, err := runnable.NewAgent(runnable.AgentOptions{
		ID:           "polish",
		Executor:     sexec,
		Store:        store,
		SystemPrompt: "Polish the given draft into clear final prose.",
	})
	if err != nil {
		return nil, err
	}
	return workflow.NewPipeline(workflow.PipelineOptions{
		ID:    "compose",
		Store: store,
		Nodes: []workflow.Node{
			{ID: "draft", Runnable: draft},
			{ID: "polish", Runnable: polish, Input: "Polish this draft:\n\n{draft.output}"},
		},
	})
}

func buildModelClient(ctx context.Context, cfg ModelConfig, mode string) (model.Client, error) {
	var (
		client model.Client
		err    error
	)
	switch cfg.Provider {
	case "openai":
		var key string
		if key, err = cfg.apiKey(); err != nil {
			return nil, err
		}
		client, err = openai.New(openai.Options{APIKey: key, DefaultModel: cfg.Name})
	case "anthropic":
		var key string
		if key, err = cfg.apiKey(); err != nil {
			return nil, err
		}
		client, err = anthropic.New(anthropic.Options{APIKey: key, DefaultModel: cfg.Name})
	default:
		client = scriptedClient(mode)
	}
	if err != nil {
		return nil, err
	}
	if cfg.TokensPerMinute > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "", cfg.TokensPerMinute, 2*cfg.TokensPerMinute)
		client = model.Chain(client, limiter.Middleware())
	}
	return client, nil
}

// scriptedClient plays a canned conversation matching the requested mode: a
// clock lookup then a final answer for the agent, one turn per stage for the
// pipeline.
func scriptedClient(mode string) model.Client {
	if mode == "pipeline" {
		return modeltest.NewScriptClient(
			modeltest.Text("Rough draft: the runtime streams every step as it happens."),
			modeltest.Text("The runtime streams each step the moment it happens."),
		)
	}
	return modeltest.NewScriptClient(
		modeltest.ToolCall("call-1", "now", `{}`),
		modeltest.Text("It is the time shown above. Anything else?"),
	)
}

func clockTool() tools.Tool {
	return &tools.Func{
		ToolName: "now",
		Desc:     "Returns the current time in RFC 3339 format.",
		Schema:   tools.ObjectSchema(map[string]any{}),
		Fn: func(context.Context, map[string]any, *run.Context) (*step.ToolResult, error) {
			return &step.ToolResult{
				Content: time.Now().UTC().Format(time.RFC3339),
				Success: true,
			}, nil
		},
	}
}

// Package anthropic implements model.Client on the Anthropic Messages API
// using github.com/anthropics/anthropic-sdk-go. Streaming events are pumped
// through a goroutine and surfaced as generic chunks.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/runwire/runwire/runtime/model"
)

// Provider is the provider name recorded on step metrics.
const Provider = "anthropic"

// defaultMaxTokens applies when neither the request nor the options set a
// limit. The Messages API requires one.
const defaultMaxTokens = 4096

type (
	// MessageService is the subset of the SDK message API the adapter
	// needs. *sdk.MessageService satisfies it.
	MessageService interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// APIKey authenticates against the API. Required unless
		// Service is set.
		APIKey string
		// Service overrides the SDK message service, primarily for
		// tests.
		Service MessageService
		// DefaultModel is used when the request names none. Required.
		DefaultModel string
		// MaxTokens applies when the request sets none. Defaults to
		// 4096.
		MaxTokens int
	}

	// Client implements model.Client.
	Client struct {
		msg          MessageService
		defaultModel string
		maxTokens    int
	}
)

var _ model.Client = (*Client)(nil)

// New builds an Anthropic-backed model client.
func New(opts Options) (*Client, error) {
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	svc := opts.Service
	if svc == nil {
		if opts.APIKey == "" {
			return nil, errors.New("api key is required")
		}
		ac := sdk.NewClient(option.WithAPIKey(opts.APIKey))
		svc = &ac.Messages
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		msg:          svc,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
	}, nil
}

// Stream opens a streaming Messages request.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", mapErr(err))
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) encodeRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		System:    system,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	params.Tools = tools
	return params, nil
}

// encodeMessages splits out system prompts and folds tool results into user
// messages the way the Messages API expects.
func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(args), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("tool message missing tool call id")
			}
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		default:
			return nil, nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema, err := toolInputSchema(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode tool %s schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if len(schema) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	// Round-trip through JSON so nested values are plain maps.
	raw, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// mapErr surfaces rate limiting as model.ErrRateLimited so the retry
// middleware can react to it.
func mapErr(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", model.ErrRateLimited, err)
	}
	return err
}

// Package openai implements model.Client on the OpenAI Chat Completions
// streaming API using github.com/openai/openai-go. Requests are translated
// into ChatCompletionNewParams and the SSE chunks back into generic chunks.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/runwire/runwire/runtime/model"
)

// Provider is the provider name recorded on step metrics.
const Provider = "openai"

type (
	// Options configures the adapter.
	Options struct {
		// APIKey authenticates against the API. Required.
		APIKey string
		// BaseURL overrides the API endpoint, for proxies and
		// compatible servers.
		BaseURL string
		// DefaultModel is used when the request names none. Required.
		DefaultModel string
	}

	// Client implements model.Client.
	Client struct {
		api          openai.Client
		defaultModel string
	}
)

var _ model.Client = (*Client)(nil)

// New builds an OpenAI-backed model client.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Client{
		api:          openai.NewClient(reqOpts...),
		defaultModel: opts.DefaultModel,
	}, nil
}

// Stream opens a streaming chat completion for the request.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	params, err := encodeRequest(req, c.defaultModel)
	if err != nil {
		return nil, err
	}
	return &streamer{stream: c.api.Chat.Completions.NewStreaming(ctx, params)}, nil
}

func encodeRequest(req *model.Request, defaultModel string) (openai.ChatCompletionNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = defaultModel
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	params.Tools = encodeTools(req.Tools)
	return params, nil
}

func encodeMessages(msgs []model.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, encodeAssistant(m))
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, errors.New("tool message missing tool call id")
			}
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func encodeAssistant(m model.Message) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if m.Content != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(m.Content),
		}
	}
	for _, tc := range m.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func encodeTools(defs []model.ToolDefinition) []openai.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		fn := openai.FunctionDefinitionParam{
			Name:       def.Name,
			Parameters: openai.FunctionParameters(def.Parameters),
		}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools
}

// chatStream is the subset of the SSE stream the streamer needs.
type chatStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

type streamer struct {
	stream chatStream
}

// Recv returns the next non-empty chunk, io.EOF when the stream ends.
func (s *streamer) Recv() (*model.Chunk, error) {
	for s.stream.Next() {
		chunk := translateChunk(s.stream.Current())
		if chunk == nil {
			continue
		}
		return chunk, nil
	}
	if err := s.stream.Err(); err != nil {
		return nil, mapErr(err)
	}
	return nil, io.EOF
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

// translateChunk converts an SSE chunk, returning nil for chunks that carry
// neither content, tool fragments nor usage.
func translateChunk(chunk openai.ChatCompletionChunk) *model.Chunk {
	out := &model.Chunk{}
	if len(chunk.Choices) > 0 {
		delta := chunk.Choices[0].Delta
		out.Content = delta.Content
		for _, tc := range delta.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCallFragment{
				Index:     int(tc.Index),
				ID:        tc.ID,
				Type:      tc.Type,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	if chunk.Usage.TotalTokens > 0 {
		out.Usage = &model.TokenUsage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}
	}
	if out.Content == "" && len(out.ToolCalls) == 0 && out.Usage == nil {
		return nil
	}
	return out
}

// mapErr surfaces rate limiting as model.ErrRateLimited so the retry
// middleware can react to it.
func mapErr(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", model.ErrRateLimited, err)
	}
	return err
}

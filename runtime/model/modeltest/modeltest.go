// Package modeltest provides scripted model.Client implementations for tests
// and local demos.
package modeltest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/runwire/runwire/runtime/model"
)

type (
	// ScriptClient replays one scripted chunk sequence per Stream call, in
	// order. It is safe for concurrent use.
	ScriptClient struct {
		mu      sync.Mutex
		scripts [][]*model.Chunk
		next    int

		// Requests records every request passed to Stream for assertions.
		Requests []*model.Request
	}

	scriptStream struct {
		chunks []*model.Chunk
		pos    int
	}
)

// NewScriptClient builds a client that replays the given chunk sequences.
func NewScriptClient(scripts ...[]*model.Chunk) *ScriptClient {
	return &ScriptClient{scripts: scripts}
}

// Append adds another scripted response to the end of the script list.
func (c *ScriptClient) Append(chunks ...*model.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts = append(c.scripts, chunks)
}

// Stream returns a Streamer over the next scripted sequence. It fails when
// the script is exhausted so tests catch unexpected extra calls.
func (c *ScriptClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Requests = append(c.Requests, req)
	if c.next >= len(c.scripts) {
		return nil, fmt.Errorf("script exhausted after %d calls", c.next)
	}
	s := &scriptStream{chunks: c.scripts[c.next]}
	c.next++
	return s, nil
}

// Calls returns the number of Stream invocations so far.
func (c *ScriptClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Requests)
}

func (s *scriptStream) Recv() (*model.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	ch := s.chunks[s.pos]
	s.pos++
	return ch, nil
}

func (s *scriptStream) Close() error { return nil }

// Text builds a scripted response that streams the given content in a single
// delta followed by a usage chunk.
func Text(content string) []*model.Chunk {
	return []*model.Chunk{
		{Content: content},
		{Usage: &model.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}
}

// ToolCall builds a scripted response that requests a single tool invocation,
// split across fragments the way providers stream them.
func ToolCall(id, name, args string) []*model.Chunk {
	return []*model.Chunk{
		{ToolCalls: []model.ToolCallFragment{{Index: 0, ID: id, Type: "function", Name: name}}},
		{ToolCalls: []model.ToolCallFragment{{Index: 0, Arguments: args}}},
		{Usage: &model.TokenUsage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20}},
	}
}

package anthropic

import (
	"context"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/runwire/runwire/runtime/model"
)

// streamer adapts an Anthropic Messages event stream to model.Streamer. A
// pump goroutine reads SSE events and pushes translated chunks on a channel;
// Recv drains it.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan *model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan *model.Chunk, 32),
	}
	go s.run()
	return s
}

// Recv returns the next chunk, io.EOF when the stream ends cleanly.
func (s *streamer) Recv() (*model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return nil, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	p := newProcessor(s.emit)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(mapErr(err))
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := p.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emit(chunk *model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// processor translates Messages stream events into chunks. Tool use blocks
// become fragments keyed by their content block index: the block start
// carries the id and name, input JSON deltas carry argument pieces.
type processor struct {
	emit func(*model.Chunk) error

	toolBlocks   map[int]bool
	promptTokens int64
}

func newProcessor(emit func(*model.Chunk) error) *processor {
	return &processor{
		emit:       emit,
		toolBlocks: make(map[int]bool),
	}
}

func (p *processor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]bool)
		p.promptTokens = ev.Message.Usage.InputTokens
		return nil
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			p.toolBlocks[idx] = true
			return p.emit(&model.Chunk{
				ToolCalls: []model.ToolCallFragment{{
					Index: idx,
					ID:    toolUse.ID,
					Type:  "function",
					Name:  toolUse.Name,
				}},
			})
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(&model.Chunk{Content: delta.Text})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" || !p.toolBlocks[idx] {
				return nil
			}
			return p.emit(&model.Chunk{
				ToolCalls: []model.ToolCallFragment{{
					Index:     idx,
					Arguments: delta.PartialJSON,
				}},
			})
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		delete(p.toolBlocks, int(ev.Index))
		return nil
	case sdk.MessageDeltaEvent:
		usage := &model.TokenUsage{
			PromptTokens:     int(p.promptTokens),
			CompletionTokens: int(ev.Usage.OutputTokens),
			TotalTokens:      int(p.promptTokens + ev.Usage.OutputTokens),
		}
		return p.emit(&model.Chunk{Usage: usage})
	}
	return nil
}

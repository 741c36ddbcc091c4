// Package pulse publishes run events to goa.design/pulse streams so consumers
// outside the process (SSE gateways, audit tails) can follow a run. Each run
// gets its own stream, named run/<run id> by default.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/runwire/runwire/features/wire/pulse/clients/pulse"
	"github.com/runwire/runwire/runtime/step"
	"github.com/runwire/runwire/runtime/wire"
)

type (
	// Options configures the sink.
	Options struct {
		// Client publishes to Pulse. Required.
		Client pulse.Client
		// StreamID derives the target stream from an event. Defaults
		// to run/<RunID>.
		StreamID func(*step.Event) (string, error)
	}

	// Sink implements wire.Sink on top of Pulse streams. Safe for
	// concurrent Send calls.
	Sink struct {
		client   pulse.Client
		streamID func(*step.Event) (string, error)
	}

	// Envelope frames an event on the stream.
	Envelope struct {
		// Kind is the event kind, also used as the Pulse event name.
		Kind step.EventKind `json:"kind"`
		// RunID identifies the run the event belongs to.
		RunID string `json:"run_id"`
		// Timestamp records publication time in UTC.
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the full event.
		Payload *step.Event `json:"payload"`
	}
)

var _ wire.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes the event to the derived stream.
func (s *Sink) Send(ctx context.Context, ev *step.Event) error {
	name, err := s.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	env := Envelope{
		Kind:      ev.Kind,
		RunID:     ev.RunID,
		Timestamp: time.Now().UTC(),
		Payload:   ev,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := handle.Add(ctx, string(env.Kind), payload); err != nil {
		return err
	}
	return nil
}

// Close delegates to the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(ev *step.Event) (string, error) {
	if ev.RunID == "" {
		return "", errors.New("event missing run id")
	}
	return "run/" + ev.RunID, nil
}

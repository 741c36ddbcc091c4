package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/runwire/runwire/features/wire/pulse/clients/pulse"
	"github.com/runwire/runwire/runtime/step"
)

type (
	// Decoder converts raw stream payloads back into events.
	Decoder func([]byte) (*step.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client consumes the streams. Required.
		Client clientspulse.Client
		// GroupName identifies the consumer group. Defaults to
		// "runwire_subscriber".
		GroupName string
		// Buffer sets the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes payloads. Defaults to the envelope JSON
		// decoder.
		Decoder Decoder
	}

	// Subscriber tails a run stream and emits the events published by the
	// sink, in stream order.
	Subscriber struct {
		client clientspulse.Client
		group  string
		buffer int
		decode Decoder
	}
)

// NewSubscriber constructs a subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	group := opts.GroupName
	if group == "" {
		group = "runwire_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decode := opts.Decoder
	if decode == nil {
		decode = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		group:  group,
		buffer: buffer,
		decode: decode,
	}, nil
}

// Subscribe opens a consumer group on the stream and returns event and error
// channels plus a cancel function that stops consumption and closes both.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan *step.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	reader, err := str.NewReader(ctx, s.group, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan *step.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, reader, events, errs)
	cancelFunc := func() {
		cancel()
		reader.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume pumps the reader into the out channel, acking each decoded event.
// Decode failures are reported once and skipped so one bad entry cannot wedge
// the tail.
func (s *Subscriber) consume(ctx context.Context, reader clientspulse.Reader, out chan<- *step.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	in := reader.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			ev, err := s.decode(raw.Payload)
			if err != nil {
				select {
				case errs <- fmt.Errorf("decode event %s: %w", raw.ID, err):
				default:
				}
				_ = reader.Ack(ctx, raw)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
			_ = reader.Ack(ctx, raw)
		}
	}
}

func decodeEnvelope(payload []byte) (*step.Event, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.Payload == nil {
		return nil, errors.New("envelope has no payload")
	}
	return env.Payload, nil
}

package wire

import (
	"context"

	"github.com/runwire/runwire/runtime/step"
)

// Sink receives events bridged off a wire, typically into an external stream
// such as Redis via Pulse.
type Sink interface {
	Send(ctx context.Context, ev *step.Event) error
	Close(ctx context.Context) error
}

// Forward pumps a subscription into a sink until the subscription closes, the
// context is cancelled or the sink errors. It closes the sink on return and
// returns the first error encountered.
func Forward(ctx context.Context, sub *Subscription, sink Sink) error {
	defer sink.Close(context.WithoutCancel(ctx))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := sink.Send(ctx, ev); err != nil {
				return err
			}
		}
	}
}

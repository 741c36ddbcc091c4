// Package wire fans out run events to subscribers. One Wire is created per
// root run; nested runs publish to the parent's wire with their own run id
// and depth.
//
// Each subscriber owns a bounded queue. When a queue is full, the oldest
// buffered delta is discarded to make room; completion and lifecycle events
// are never discarded, and a queue full of them blocks the publisher until
// the subscriber drains.
package wire

import (
	"sync"
	"time"

	"github.com/runwire/runwire/runtime/step"
)

const defaultBuffer = 256

type (
	// Wire is a per-run event fan-out. Safe for concurrent use.
	Wire struct {
		mu     sync.RWMutex
		subs   []*Subscription
		closed bool
	}

	// Subscription receives events published after Subscribe. Events()
	// yields them in publish order; the channel is closed when either the
	// subscription or the wire closes.
	Subscription struct {
		mu     sync.Mutex
		cond   *sync.Cond
		queue  []*step.Event
		max    int
		closed bool
		out    chan *step.Event
		once   sync.Once
	}

	// SubscribeOption customizes a subscription.
	SubscribeOption func(*Subscription)
)

// WithBuffer sets the subscriber queue capacity. Values below one fall back
// to the default.
func WithBuffer(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.max = n
		}
	}
}

// New returns an open wire with no subscribers.
func New() *Wire { return &Wire{} }

// Subscribe registers a new subscriber. Subscribing to a closed wire returns
// a subscription whose channel is already closed.
func (w *Wire) Subscribe(opts ...SubscribeOption) *Subscription {
	s := &Subscription{max: defaultBuffer, out: make(chan *step.Event)}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	go s.pump()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		s.Close()
		return s
	}
	w.subs = append(w.subs, s)
	return s
}

// Publish delivers the event to every current subscriber. A zero Timestamp
// is stamped with the current time. Publish may block when a subscriber's
// queue is full of non-droppable events.
func (w *Wire) Publish(ev *step.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	w.mu.RLock()
	subs := make([]*Subscription, len(w.subs))
	copy(subs, w.subs)
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return
	}
	for _, s := range subs {
		s.push(ev)
	}
}

// Close terminates every subscription after its buffered events drain. It is
// idempotent.
func (w *Wire) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// Events returns the subscriber's event channel. Callers must drain it until
// it closes, even after calling Close.
func (s *Subscription) Events() <-chan *step.Event { return s.out }

// Close stops the subscription. Buffered events are still delivered before
// the channel closes.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	})
}

func (s *Subscription) push(ev *step.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return
		}
		if len(s.queue) < s.max {
			break
		}
		if i := s.oldestDroppable(); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
		if ev.Droppable() {
			// Queue is saturated with critical events; shedding the
			// incoming delta keeps the publisher moving.
			return
		}
		s.cond.Wait()
	}
	s.queue = append(s.queue, ev)
	s.cond.Broadcast()
}

func (s *Subscription) oldestDroppable() int {
	for i, ev := range s.queue {
		if ev.Droppable() {
			return i
		}
	}
	return -1
}

func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.cond.Broadcast()
		s.mu.Unlock()
		s.out <- ev
	}
}

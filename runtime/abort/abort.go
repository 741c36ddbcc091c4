// Package abort implements cooperative run cancellation. A Signal latches on
// first abort and is observed by executors at step and tool boundaries; it
// never preempts work in flight.
package abort

import (
	"fmt"
	"sync"
)

type (
	// Signal is a latching abort flag shared by every executor participating
	// in a root run. Safe for concurrent use.
	Signal struct {
		mu      sync.Mutex
		aborted bool
		reason  string
	}

	// Error is returned by executors when they observe an aborted signal.
	Error struct {
		Reason string
	}
)

// NewSignal returns a signal in the non-aborted state.
func NewSignal() *Signal { return &Signal{} }

// Abort latches the signal. The first call wins; later calls keep the
// original reason.
func (s *Signal) Abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return
	}
	s.aborted = true
	s.reason = reason
}

// Aborted reports whether the signal has been latched.
func (s *Signal) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Reason returns the abort reason, or "" when not aborted.
func (s *Signal) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err returns an *Error when the signal is aborted and nil otherwise.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		return nil
	}
	return &Error{Reason: s.reason}
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return "run aborted"
	}
	return fmt.Sprintf("run aborted: %s", e.Reason)
}

// IsAbort reports whether err is (or wraps) an abort error.
func IsAbort(err error) bool {
	for err != nil {
		if _, ok := err.(*Error); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

package abort

import "sync"

// Registry indexes live signals by root run id so out-of-band surfaces (an
// HTTP handler, an admin CLI) can abort a run they did not start.
type Registry struct {
	mu      sync.RWMutex
	signals map[string]*Signal
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{signals: make(map[string]*Signal)}
}

// Register associates the signal with the run id, replacing any previous
// association.
func (r *Registry) Register(runID string, sig *Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals[runID] = sig
}

// Unregister removes the association. Callers do this when the run reaches a
// terminal status.
func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.signals, runID)
}

// Lookup returns the signal registered for the run id.
func (r *Registry) Lookup(runID string) (*Signal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sig, ok := r.signals[runID]
	return sig, ok
}

// Abort latches the signal registered for the run id. Returns false when no
// signal is registered.
func (r *Registry) Abort(runID, reason string) bool {
	sig, ok := r.Lookup(runID)
	if !ok {
		return false
	}
	sig.Abort(reason)
	return true
}

// Package inmem provides an in-memory session store for tests and local
// development. It honors the same contract as the persistent stores: upserts
// keyed by (session id, sequence), linearizable sequence allocation and
// ascending reads.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/session"
	"github.com/runwire/runwire/runtime/step"
)

// Store is an in-memory session.Store. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	steps    map[string]map[int64]*step.Step // session id -> sequence -> step
	counters map[string]int64
	runs     map[string]*step.Run
	runOrder []string
}

var _ session.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		steps:    make(map[string]map[int64]*step.Step),
		counters: make(map[string]int64),
		runs:     make(map[string]*step.Run),
	}
}

// AllocateSequence returns the next sequence for the session, starting at 1.
// Allocation accounts for steps written with explicit sequences (forks).
func (s *Store) AllocateSequence(_ context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.counters[sessionID]
	if max := s.maxSequenceLocked(sessionID); max > next {
		next = max
	}
	next++
	s.counters[sessionID] = next
	return next, nil
}

// SaveStep upserts the step keyed by (SessionID, Sequence).
func (s *Store) SaveStep(_ context.Context, st *step.Step) error {
	if err := validateStep(st); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveStepLocked(st)
	return nil
}

// SaveSteps upserts a batch of steps. Validation failures reject the whole
// batch before any write.
func (s *Store) SaveSteps(_ context.Context, steps []*step.Step) error {
	for _, st := range steps {
		if err := validateStep(st); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range steps {
		s.saveStepLocked(st)
	}
	return nil
}

// GetSteps returns matching steps in ascending sequence order.
func (s *Store) GetSteps(_ context.Context, sessionID string, f session.StepFilter) ([]*step.Step, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*step.Step
	for _, st := range s.steps[sessionID] {
		if f.Match(st) {
			out = append(out, cloneStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetLastStep returns the step with the highest sequence.
func (s *Store) GetLastStep(_ context.Context, sessionID string) (*step.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *step.Step
	for _, st := range s.steps[sessionID] {
		if last == nil || st.Sequence > last.Sequence {
			last = st
		}
	}
	if last == nil {
		return nil, session.ErrStepNotFound
	}
	return cloneStep(last), nil
}

// MaxSequence returns the highest stored sequence, zero for empty sessions.
func (s *Store) MaxSequence(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSequenceLocked(sessionID), nil
}

// DeleteStepsFrom removes steps with sequence >= startSeq.
func (s *Store) DeleteStepsFrom(_ context.Context, sessionID string, startSeq int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for seq := range s.steps[sessionID] {
		if seq >= startSeq {
			delete(s.steps[sessionID], seq)
			n++
		}
	}
	return n, nil
}

// GetStepByToolCallID returns the tool step answering the given call.
func (s *Store) GetStepByToolCallID(_ context.Context, sessionID, toolCallID string) (*step.Step, error) {
	if toolCallID == "" {
		return nil, errors.New("tool call id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.steps[sessionID] {
		if st.ToolCallID == toolCallID {
			return cloneStep(st), nil
		}
	}
	return nil, session.ErrStepNotFound
}

// LastAssistantContent returns the most recent assistant content within the
// optional workflow/node scope.
func (s *Store) LastAssistantContent(_ context.Context, sessionID, workflowID, nodeID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *step.Step
	for _, st := range s.steps[sessionID] {
		if st.Role != model.RoleAssistant {
			continue
		}
		if workflowID != "" && st.WorkflowID != workflowID {
			continue
		}
		if nodeID != "" && st.NodeID != nodeID {
			continue
		}
		if last == nil || st.Sequence > last.Sequence {
			last = st
		}
	}
	if last == nil {
		return "", false, nil
	}
	return last.Content, true, nil
}

// SaveRun upserts the run record keyed by run id.
func (s *Store) SaveRun(_ context.Context, r *step.Run) error {
	if r == nil {
		return errors.New("run is required")
	}
	if r.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		s.runOrder = append(s.runOrder, r.ID)
	}
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.runs[r.ID] = &cp
	return nil
}

// GetRun returns the run record.
func (s *Store) GetRun(_ context.Context, runID string) (*step.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, session.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

// ListRuns returns matching runs, most recently created first.
func (s *Store) ListRuns(_ context.Context, f session.RunFilter) ([]*step.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*step.Run
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		r, ok := s.runs[s.runOrder[i]]
		if !ok {
			continue
		}
		if f.Match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DeleteRun removes the run record if present.
func (s *Store) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

func (s *Store) saveStepLocked(st *step.Step) {
	bySeq, ok := s.steps[st.SessionID]
	if !ok {
		bySeq = make(map[int64]*step.Step)
		s.steps[st.SessionID] = bySeq
	}
	cp := cloneStep(st)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	bySeq[st.Sequence] = cp
}

func (s *Store) maxSequenceLocked(sessionID string) int64 {
	var max int64
	for seq := range s.steps[sessionID] {
		if seq > max {
			max = seq
		}
	}
	return max
}

func validateStep(st *step.Step) error {
	if st == nil {
		return errors.New("step is required")
	}
	if st.SessionID == "" {
		return errors.New("step session id is required")
	}
	if st.Sequence <= 0 {
		return errors.New("step sequence must be positive")
	}
	if st.Role == "" {
		return errors.New("step role is required")
	}
	return nil
}

func cloneStep(st *step.Step) *step.Step {
	cp := *st
	if st.ToolCalls != nil {
		cp.ToolCalls = append([]model.ToolCall(nil), st.ToolCalls...)
	}
	if st.Iteration != nil {
		it := *st.Iteration
		cp.Iteration = &it
	}
	if st.Metrics != nil {
		m := *st.Metrics
		cp.Metrics = &m
	}
	return &cp
}

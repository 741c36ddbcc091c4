// Package workflow composes runnables into pipelines, parallel fan-outs and
// loops. Node outputs are tracked in a workflow state rebuilt from persisted
// steps, which makes re-execution after a crash idempotent: nodes that
// already produced output are skipped.
package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/session"
)

// State tracks node outputs for one workflow execution scope, keyed by node
// id and, inside loops, by iteration. An empty output is a present output:
// presence and content are independent.
type State struct {
	mu         sync.RWMutex
	store      session.Store
	sessionID  string
	workflowID string
	outputs    map[string]string
}

// NewState returns an empty state for the workflow scope.
func NewState(store session.Store, sessionID, workflowID string) *State {
	return &State{
		store:      store,
		sessionID:  sessionID,
		workflowID: workflowID,
		outputs:    make(map[string]string),
	}
}

// HasOutput reports whether the node produced output in this scope. True for
// empty outputs.
func (s *State) HasOutput(nodeID string, iteration *int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.outputs[stateKey(nodeID, iteration)]
	return ok
}

// Output returns the node's output and whether it is present.
func (s *State) Output(nodeID string, iteration *int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[stateKey(nodeID, iteration)]
	return out, ok
}

// SetOutput records the node's output.
func (s *State) SetOutput(nodeID string, iteration *int, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[stateKey(nodeID, iteration)] = output
}

// LoadFromHistory rebuilds the state from persisted steps: for every node of
// this workflow the content of its last assistant step becomes the recorded
// output.
func (s *State) LoadFromHistory(ctx context.Context) error {
	steps, err := s.store.GetSteps(ctx, s.sessionID, session.StepFilter{WorkflowID: s.workflowID})
	if err != nil {
		return fmt.Errorf("load workflow state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range steps {
		if st.Role != model.RoleAssistant || st.NodeID == "" {
			continue
		}
		// Assistant steps that request tools are intermediate: a node run
		// that crashed mid-tool-loop must not look complete.
		if len(st.ToolCalls) > 0 {
			continue
		}
		// Steps arrive in ascending sequence order, so the last write for
		// a key is the node's final content.
		s.outputs[stateKey(st.NodeID, st.Iteration)] = st.Content
	}
	return nil
}

func stateKey(nodeID string, iteration *int) string {
	if iteration == nil {
		return nodeID
	}
	return fmt.Sprintf("%s#%d", nodeID, *iteration)
}

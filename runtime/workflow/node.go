package workflow

import (
	"errors"
	"fmt"

	"github.com/runwire/runwire/runtime/runnable"
)

// Node binds a runnable into a workflow under a stable node id. Input is a
// template resolved against the workflow state; when empty, each composite
// applies its own default (pipelines chain the previous node's output, loops
// chain the previous iteration).
type Node struct {
	ID       string
	Runnable runnable.Runnable
	Input    string
}

func validateNodes(nodes []Node) error {
	if len(nodes) == 0 {
		return errors.New("at least one node is required")
	}
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return errors.New("node id is required")
		}
		if n.Runnable == nil {
			return fmt.Errorf("node %q has no runnable", n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}

package workflow

import (
	"regexp"
	"strconv"
	"strings"
)

// Resolver substitutes template variables in node input templates:
//
//	{input}            the workflow's input
//	{<node>.output}    the recorded output of a node
//	{loop.iteration}   the current loop iteration, zero-based
//	{loop.last.<node>} the node's output from the previous iteration
//
// Unknown variables resolve to the empty string.
type Resolver struct {
	State *State
	Input string
	// Iteration is set while resolving inside a loop body.
	Iteration *int
	// LoopLast holds the previous iteration's outputs by node id.
	LoopLast map[string]string
}

var varPattern = regexp.MustCompile(`\{([a-zA-Z0-9_-]+(?:\.[a-zA-Z0-9_-]+)*)\}`)

// Resolve substitutes every variable in the template.
func (r *Resolver) Resolve(template string) string {
	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		return r.lookup(name)
	})
}

func (r *Resolver) lookup(name string) string {
	if name == "input" {
		return r.Input
	}
	if name == "loop.iteration" {
		if r.Iteration == nil {
			return ""
		}
		return strconv.Itoa(*r.Iteration)
	}
	if node, ok := strings.CutPrefix(name, "loop.last."); ok {
		return r.LoopLast[node]
	}
	if node, ok := strings.CutSuffix(name, ".output"); ok {
		if r.State == nil {
			return ""
		}
		// Inside a loop the node's current-iteration output shadows the
		// iteration-independent one.
		if r.Iteration != nil {
			if out, ok := r.State.Output(node, r.Iteration); ok {
				return out
			}
		}
		out, _ := r.State.Output(node, nil)
		return out
	}
	return ""
}

package model

import "sort"

// ToolCallAccumulator assembles complete tool calls from streamed fragments.
// Providers interleave fragments for concurrent calls; the accumulator groups
// them by index so partial names and argument strings grow independently.
type ToolCallAccumulator struct {
	byIndex map[int]*ToolCall
	order   []int
}

// NewToolCallAccumulator returns an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{byIndex: make(map[int]*ToolCall)}
}

// Add merges a fragment into the call being assembled at its index. ID and
// Type replace previous values when non-empty; Name and Arguments append.
func (a *ToolCallAccumulator) Add(frag ToolCallFragment) {
	tc, ok := a.byIndex[frag.Index]
	if !ok {
		tc = &ToolCall{}
		a.byIndex[frag.Index] = tc
		a.order = append(a.order, frag.Index)
	}
	if frag.ID != "" {
		tc.ID = frag.ID
	}
	tc.Name += frag.Name
	tc.Arguments += frag.Arguments
}

// AddAll merges every fragment of a chunk.
func (a *ToolCallAccumulator) AddAll(frags []ToolCallFragment) {
	for _, f := range frags {
		a.Add(f)
	}
}

// Empty reports whether no fragments have been accumulated.
func (a *ToolCallAccumulator) Empty() bool { return len(a.byIndex) == 0 }

// Finalize returns the assembled calls in ascending index order. Entries that
// never received an ID are incomplete and are dropped.
func (a *ToolCallAccumulator) Finalize() []ToolCall {
	idxs := append([]int(nil), a.order...)
	sort.Ints(idxs)
	var out []ToolCall
	for _, i := range idxs {
		tc := a.byIndex[i]
		if tc.ID == "" {
			continue
		}
		out = append(out, *tc)
	}
	return out
}

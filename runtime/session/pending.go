package session

import (
	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/step"
)

// PendingToolCalls inspects a transcript and returns the tool calls of the
// last assistant step that have no answering tool step yet. A run interrupted
// mid-tool-execution leaves exactly this shape behind; resuming executes the
// pending calls before asking the model anything.
func PendingToolCalls(steps []*step.Step) []model.ToolCall {
	answered := make(map[string]bool)
	var lastAssistant *step.Step
	for _, s := range steps {
		switch s.Role {
		case model.RoleAssistant:
			if len(s.ToolCalls) > 0 {
				lastAssistant = s
			} else {
				lastAssistant = nil
			}
		case model.RoleTool:
			answered[s.ToolCallID] = true
		}
	}
	if lastAssistant == nil {
		return nil
	}
	var pending []model.ToolCall
	for _, tc := range lastAssistant.ToolCalls {
		if !answered[tc.ID] {
			pending = append(pending, tc)
		}
	}
	return pending
}

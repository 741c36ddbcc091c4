package workflow

import "github.com/runwire/runwire/runtime/model"

func addUsage(total *model.TokenUsage, u model.TokenUsage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}

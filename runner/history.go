package runner

import (
	"github.com/PipeOpsHQ/agent-recorder/types"
)

const (
	// DefaultHistoryTokens caps the thread history handed to an agent.
	DefaultHistoryTokens = 25000

	charsPerToken = 4
)

// EstimateTokens is a rough count at ~4 characters per token.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

func estimateMessageTokens(msg types.Message) int {
	// role and framing overhead
	return 4 + EstimateTokens(msg.Content)
}

// TrimHistory keeps the most recent messages that fit in budget tokens,
// after reserving room for input. Tool messages at the head of the kept
// window are dropped since their call turn was cut.
func TrimHistory(history []types.Message, input string, budget int) []types.Message {
	if len(history) == 0 {
		return history
	}
	if budget <= 0 {
		budget = DefaultHistoryTokens
	}
	available := budget - estimateMessageTokens(types.Message{Role: types.RoleUser, Content: input})
	if available <= 0 {
		return nil
	}

	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := estimateMessageTokens(history[i])
		if used+cost > available {
			break
		}
		used += cost
		start = i
	}
	for start < len(history) && history[start].Role == types.RoleTool {
		start++
	}
	return append([]types.Message(nil), history[start:]...)
}

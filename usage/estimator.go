// Package usage turns raw, possibly partial provider usage into a complete
// token breakdown and prices it.
package usage

import (
	"math"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

// PromptShare is the prompt fraction applied when a provider reports only a
// total. It is a heuristic kept for compatibility, not a measured ratio.
const PromptShare = 0.7

// Raw is usage as reported upstream. Nil fields were not reported.
type Raw struct {
	PromptTokens     *int `json:"promptTokens,omitempty" yaml:"promptTokens"`
	CompletionTokens *int `json:"completionTokens,omitempty" yaml:"completionTokens"`
	TotalTokens      *int `json:"totalTokens,omitempty" yaml:"totalTokens"`
}

func (r *Raw) empty() bool {
	return r == nil || (r.PromptTokens == nil && r.CompletionTokens == nil && r.TotalTokens == nil)
}

// Summarize never fabricates a total: with nothing reported it returns an
// all-zero summary marked unavailable.
func Summarize(raw *Raw) types.Usage {
	if raw.empty() {
		return types.Usage{Source: types.UsageUnavailable}
	}
	prompt := value(raw.PromptTokens)
	completion := value(raw.CompletionTokens)
	total := value(raw.TotalTokens)

	if prompt != 0 || completion != 0 {
		if raw.TotalTokens == nil || total == 0 {
			total = prompt + completion
		}
		return types.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      total,
			Source:           types.UsageFromProvider,
		}
	}
	if total > 0 {
		estPrompt := int(math.Round(PromptShare * float64(total)))
		return types.Usage{
			PromptTokens:     estPrompt,
			CompletionTokens: total - estPrompt,
			TotalTokens:      total,
			Source:           types.UsageEstimated,
		}
	}
	// Reported, but all zero.
	return types.Usage{Source: types.UsageFromProvider}
}

// Ints builds a Raw from plain counts; zero values are treated as reported.
func Ints(prompt, completion, total int) *Raw {
	return &Raw{PromptTokens: &prompt, CompletionTokens: &completion, TotalTokens: &total}
}

// TotalOnly builds a Raw carrying only a total.
func TotalOnly(total int) *Raw {
	return &Raw{TotalTokens: &total}
}

func value(p *int) int {
	if p == nil || *p < 0 {
		return 0
	}
	return *p
}

package usage

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

func TestSummarizeProviderReported(t *testing.T) {
	t.Parallel()

	got := Summarize(Ints(10, 5, 15))
	assert.Equal(t, types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Source: types.UsageFromProvider}, got)
}

func TestSummarizeFillsMissingTotal(t *testing.T) {
	t.Parallel()

	prompt, completion := 7, 3
	got := Summarize(&Raw{PromptTokens: &prompt, CompletionTokens: &completion})
	assert.Equal(t, 10, got.TotalTokens)
	assert.Equal(t, types.UsageFromProvider, got.Source)
}

func TestSummarizeTotalOnlySplits(t *testing.T) {
	t.Parallel()

	for _, total := range []int{1, 2, 3, 10, 15, 101, 999, 123457} {
		for _, raw := range []*Raw{TotalOnly(total), Ints(0, 0, total)} {
			got := Summarize(raw)
			wantPrompt := int(math.Round(0.7 * float64(total)))
			assert.Equal(t, wantPrompt, got.PromptTokens, "total=%d", total)
			assert.Equal(t, total-wantPrompt, got.CompletionTokens, "total=%d", total)
			assert.Equal(t, total, got.TotalTokens)
			assert.Equal(t, types.UsageEstimated, got.Source)
		}
	}
}

func TestSummarizeNonZeroCountsUnmodified(t *testing.T) {
	t.Parallel()

	got := Summarize(Ints(0, 9, 100))
	assert.Equal(t, 0, got.PromptTokens)
	assert.Equal(t, 9, got.CompletionTokens)
	assert.Equal(t, 100, got.TotalTokens)
	assert.Equal(t, types.UsageFromProvider, got.Source)
}

func TestSummarizeNothingReported(t *testing.T) {
	t.Parallel()

	assert.Equal(t, types.Usage{Source: types.UsageUnavailable}, Summarize(nil))
	assert.Equal(t, types.Usage{Source: types.UsageUnavailable}, Summarize(&Raw{}))
}

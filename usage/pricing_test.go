package usage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

func TestPriceTableKnownAndDefault(t *testing.T) {
	t.Parallel()

	table := NewPriceTable(nil)
	assert.InDelta(t, 2.50+10.00, table.Cost("openai", "gpt-4o", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, DefaultRate.Cost(1000, 1000), table.Cost("acme", "mystery", 1000, 1000), 1e-12)
	assert.False(t, table.Known("acme", "mystery"))
}

func TestPriceTableDatedSnapshotUsesLongestBase(t *testing.T) {
	t.Parallel()

	table := NewPriceTable(nil)
	assert.True(t, table.Known("OpenAI", "gpt-4o-mini-2024-07-18"))
	assert.InDelta(t, 0.15, table.Cost("openai", "gpt-4o-mini-2024-07-18", 1_000_000, 0), 1e-9)
}

func TestLoadPriceTable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pricing.yaml")
	content := "default:\n  inputPerMTok: 0\n  outputPerMTok: 0\nmodels:\n  acme/rocket:\n    inputPerMTok: 5\n    outputPerMTok: 7\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	table, err := LoadPriceTable(path)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, table.Cost("acme", "rocket", 1_000_000, 1_000_000), 1e-9)
	assert.Zero(t, table.Cost("acme", "unknown", 1_000_000, 1_000_000))
}

func TestEstimateFlagsEstimatedUsage(t *testing.T) {
	t.Parallel()

	table := NewPriceTable(nil)
	cost := Estimate(table, "openai", "gpt-4o", Summarize(TotalOnly(1000)))
	assert.True(t, cost.Estimated)
	assert.Greater(t, cost.USD, 0.0)

	cost = Estimate(table, "openai", "gpt-4o", Summarize(Ints(700, 300, 1000)))
	assert.False(t, cost.Estimated)

	cost = Estimate(CosterFunc(func(string, string, int, int) float64 { return 1.5 }), "p", "m", types.Usage{Source: types.UsageFromProvider})
	assert.InDelta(t, 1.5, cost.USD, 1e-12)
}

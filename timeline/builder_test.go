package timeline

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

func TestAppendSequenceIsMonotonic(t *testing.T) {
	t.Parallel()

	kinds := []types.StepKind{types.StepThinking, types.StepToolCall, types.StepToolResult, types.StepResponse}
	rng := rand.New(rand.NewSource(7))
	b := NewBuilder()
	ts := time.Unix(0, 0)
	for i := 0; i < 100; i++ {
		b.Append(kinds[rng.Intn(len(kinds))], "x", ts, nil)
	}

	steps := b.Steps()
	require.Len(t, steps, 100)
	for i, step := range steps {
		assert.Equal(t, i+1, step.Seq)
	}
}

func TestAppendTruncatesPerKind(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 2000)
	b := NewBuilder()
	tool := b.Append(types.StepToolResult, long, time.Time{}, nil)
	resp := b.Append(types.StepResponse, long, time.Time{}, nil)
	short := b.Append(types.StepThinking, "hi", time.Time{}, nil)

	assert.Equal(t, MaxToolContent, utf8.RuneCountInString(tool.Content))
	assert.True(t, strings.HasSuffix(tool.Content, TruncatedMarker))
	assert.Equal(t, MaxResponseContent, utf8.RuneCountInString(resp.Content))
	assert.Equal(t, "hi", short.Content)
}

func TestAppendDuration(t *testing.T) {
	t.Parallel()

	b := NewBuilder()
	d := 200 * time.Millisecond
	step := b.Append(types.StepToolResult, "ok", time.Time{}, &d)
	require.NotNil(t, step.DurationMs)
	assert.EqualValues(t, 200, *step.DurationMs)
	assert.Nil(t, b.Append(types.StepToolCall, "c", time.Time{}, nil).DurationMs)
}

func TestStepsReturnsCopy(t *testing.T) {
	t.Parallel()

	b := NewBuilder()
	b.Append(types.StepResponse, "a", time.Time{}, nil)
	steps := b.Steps()
	steps[0].Content = "mutated"
	assert.Equal(t, "a", b.Steps()[0].Content)
}

func TestFormatToolCall(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `call search({"q":"a<b"})`, FormatToolCall("search", json.RawMessage(`{ "q" : "a<b" }`)))
	assert.Equal(t, "call read(file.txt)", FormatToolCall("read", json.RawMessage(`"file.txt"`)))
	assert.Equal(t, "call unknown()", FormatToolCall("", nil))
}

func TestFormatToolResult(t *testing.T) {
	t.Parallel()

	ok := types.ToolInvocation{ToolName: "search", Output: json.RawMessage(`"3 hits"`), Success: true, Match: types.MatchMatched}
	assert.Equal(t, "search -> 3 hits", FormatToolResult(ok))

	failed := types.ToolInvocation{ToolName: "fetch", Error: "timeout", Match: types.MatchMatched}
	assert.Equal(t, "fetch failed: timeout", FormatToolResult(failed))

	stray := types.ToolInvocation{ToolName: "search", Success: true, Match: types.MatchUnmatchedResult}
	assert.Equal(t, "search [unmatched] -> (no output)", FormatToolResult(stray))
}

func TestTruncateSmallLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, TruncatedMarker, Truncate(strings.Repeat("a", 50), 3))
	assert.Equal(t, "abc", Truncate("abc", 0))
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-recorder/evaluation"
	"github.com/PipeOpsHQ/agent-recorder/observe/store"
	"github.com/PipeOpsHQ/agent-recorder/state"
)

const replayEvents = `{"type":"text-delta","textDelta":"Checking. "}
{"type":"tool-call","toolCallId":"c1","toolName":"weather","args":{"city":"Lagos"}}
{"type":"tool-result","toolCallId":"c1","toolName":"weather","result":"sunny"}
{"type":"text-delta","textDelta":"It's sunny in Lagos."}
{"type":"finish","usage":{"promptTokens":120,"completionTokens":30,"totalTokens":150}}
`

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AGENT_STATE_BACKEND", "sqlite")
	t.Setenv("AGENT_SQLITE_PATH", filepath.Join(dir, "state.db"))
	t.Setenv("AGENT_TRACE_DB", filepath.Join(dir, "traces.db"))
	t.Setenv("AGENT_LOG_LEVEL", "error")
	t.Setenv("AGENT_OTEL_ENABLED", "")
	t.Setenv("AGENT_PRICING_FILE", "")

	path := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(replayEvents), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := Execute(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func replay(t *testing.T, events string, extra ...string) string {
	t.Helper()
	args := append([]string{"replay", events,
		"--agent", "weather-bot",
		"--provider", "openai",
		"--model", "gpt-4o",
		"--input", "weather in Lagos?",
		"--run-id", "run-1",
	}, extra...)
	out, _, err := run(t, args...)
	require.NoError(t, err)
	return out
}

func TestReplayRecordsRun(t *testing.T) {
	events := setupEnv(t)

	out := replay(t, events, "--scorers", "completeness,keyword_coverage")
	assert.Contains(t, out, "Checking. It's sunny in Lagos.")
	assert.Contains(t, out, "run        run-1")
	assert.Contains(t, out, "status     completed")
	assert.Contains(t, out, "tools      1")
	assert.Contains(t, out, "steps      4")
	assert.Contains(t, out, "score      completeness=")
	assert.Contains(t, out, "score      keyword_coverage=")

	out, _, err := run(t, "runs", "show", "run-1", "--json")
	require.NoError(t, err)
	var shown struct {
		Run        state.RunRecord         `json:"run"`
		Evaluation *state.EvaluationRecord `json:"evaluation"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "weather-bot", shown.Run.AgentID)
	assert.Equal(t, "Checking. It's sunny in Lagos.", shown.Run.Output)
	require.NotNil(t, shown.Run.Usage)
	assert.Equal(t, 150, shown.Run.Usage.TotalTokens)
	require.NotNil(t, shown.Run.Cost)
	assert.False(t, shown.Run.Cost.Estimated)
	assert.InDelta(t, 120.0/1e6*2.5+30.0/1e6*10, shown.Run.Cost.USD, 1e-12)
	require.Len(t, shown.Run.ToolInvocations, 1)
	assert.Equal(t, "weather", shown.Run.ToolInvocations[0].ToolName)
	require.NotNil(t, shown.Evaluation)
	assert.Contains(t, shown.Evaluation.Scores, evaluation.CompletenessName)
}

func TestReplayUpstreamErrorFailsRun(t *testing.T) {
	events := setupEnv(t)
	require.NoError(t, os.WriteFile(events, []byte(`{"type":"text-delta","textDelta":"part"}
{"type":"error","error":{"message":"rate limited"}}
`), 0o600))

	out, _, err := run(t, "replay", events, "--run-id", "run-err", "--scorers", "completeness")
	require.Error(t, err)
	assert.Contains(t, out, "[error]")
	assert.NotContains(t, out, "rate limited")
	assert.Contains(t, out, "status     failed")
	assert.NotContains(t, out, "score ")

	out, _, err = run(t, "runs", "show", "run-err")
	require.NoError(t, err)
	assert.Contains(t, out, "Status    failed")
	assert.Contains(t, out, "Output    part")
	assert.NotContains(t, out, "Evaluation")
}

func TestRunsListAndShow(t *testing.T) {
	events := setupEnv(t)
	replay(t, events, "--quiet")

	out, _, err := run(t, "runs", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "RUN"))
	assert.Contains(t, lines[1], "run-1")
	assert.Contains(t, lines[1], "weather-bot")
	assert.Contains(t, lines[1], "completed")
	assert.Contains(t, lines[1], "150")

	out, _, err = run(t, "runs", "list", "--agent", "someone-else")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 1)

	out, _, err = run(t, "runs", "show", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Agent     weather-bot (openai/gpt-4o)")
	assert.Contains(t, out, "Timeline")
	assert.Contains(t, out, "tool_call")
	assert.Contains(t, out, "Tools")
	assert.Contains(t, out, "c1")

	_, stderr, err := run(t, "runs", "show", "missing")
	require.Error(t, err)
	assert.Contains(t, stderr, "run missing not found")
}

func TestEvaluateBackfillsStoredRuns(t *testing.T) {
	events := setupEnv(t)
	replay(t, events, "--quiet")

	out, _, err := run(t, "evaluate", "--json")
	require.NoError(t, err)
	var report evaluation.BackfillReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Skipped)

	schema := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(schema, []byte(`{"type":"object"}`), 0o600))
	out, _, err = run(t, "evaluate", "--scorers", "completeness", "--schema", schema)
	require.NoError(t, err)
	assert.Contains(t, out, "evaluated  1")

	out, _, err = run(t, "runs", "show", "run-1", "--json")
	require.NoError(t, err)
	var shown struct {
		Evaluation *state.EvaluationRecord `json:"evaluation"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	require.NotNil(t, shown.Evaluation)
	assert.Equal(t, 1.0, shown.Evaluation.Scores[evaluation.CompletenessName])
	assert.Equal(t, 0.0, shown.Evaluation.Scores[schemaScorerName])
}

func TestMetricsCountsLifecycleEvents(t *testing.T) {
	events := setupEnv(t)
	replay(t, events, "--quiet")

	out, _, err := run(t, "metrics", "--json")
	require.NoError(t, err)
	var m store.MetricsSummary
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, int64(1), m.RunsStarted)
	assert.Equal(t, int64(1), m.RunsCompleted)
	assert.Equal(t, int64(1), m.ToolCalls)

	out, _, err = run(t, "metrics", "--agent", "nobody")
	require.NoError(t, err)
	assert.Contains(t, out, "runs started")
}

func TestUnknownCommand(t *testing.T) {
	setupEnv(t)
	stdout, stderr, err := run(t, "bogus")
	require.Error(t, err)
	assert.Contains(t, stderr, "unknown command")
	assert.Contains(t, stdout, "Usage:")
}

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, splitCSV("  "))
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a, ,b "))
}

package evaluation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-recorder/observe"
	"github.com/PipeOpsHQ/agent-recorder/state"
	"github.com/PipeOpsHQ/agent-recorder/state/memory"
	"github.com/PipeOpsHQ/agent-recorder/types"
)

type countingEvalStore struct {
	*memory.Store
	saves atomic.Int32
}

func (c *countingEvalStore) SaveEvaluation(ctx context.Context, eval state.EvaluationRecord) error {
	c.saves.Add(1)
	return c.Store.SaveEvaluation(ctx, eval)
}

type sinkLog struct {
	mu     sync.Mutex
	events []observe.Event
}

func (s *sinkLog) Emit(_ context.Context, e observe.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *sinkLog) byName(name string) []observe.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []observe.Event
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func fixed(v float64) Scorer {
	return ScorerFunc(func(context.Context, ScorerInput) (Score, error) {
		return Score{Value: v}, nil
	})
}

func newTestDispatcher(t *testing.T, reg *Registry) (*Dispatcher, *countingEvalStore, *sinkLog, *syncBuffer) {
	t.Helper()
	store := &countingEvalStore{Store: memory.New()}
	events := &sinkLog{}
	logs := &syncBuffer{}
	d, err := NewDispatcher(store, reg,
		WithObserver(events),
		WithLogger(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		WithTimeout(5*time.Second),
	)
	require.NoError(t, err)
	return d, store, events, logs
}

func TestDispatchIsolatesFailingScorers(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", fixed(0.8)))
	require.NoError(t, reg.Register("boom", ScorerFunc(func(context.Context, ScorerInput) (Score, error) {
		panic("scorer exploded")
	})))
	require.NoError(t, reg.Register("c", fixed(0.5)))
	d, store, events, logs := newTestDispatcher(t, reg)

	d.Dispatch(context.Background(), Request{RunID: "run-1", AgentID: "agent-1", Scorers: []string{"a", "boom", "c"}, Input: "hi", Output: "hello"})
	d.Wait()

	got, err := store.LoadEvaluation(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 0.8, "c": 0.5}, got.Scores)
	assert.Equal(t, "agent-1", got.AgentID)

	failed := events.byName(string(types.EventEvalScorerFailed))
	require.Len(t, failed, 1)
	assert.Equal(t, observe.KindEvaluation, failed[0].Kind)
	assert.Equal(t, observe.StatusFailed, failed[0].Status)
	assert.Contains(t, failed[0].Error, "scorer exploded")
	assert.Len(t, events.byName(string(types.EventEvalCompleted)), 1)

	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "scorer=boom")
}

func TestDispatchReturnsBeforeScorersFinish(t *testing.T) {
	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("slow", ScorerFunc(func(context.Context, ScorerInput) (Score, error) {
		<-release
		return Score{Value: 1}, nil
	})))
	d, store, _, _ := newTestDispatcher(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, Request{RunID: "run-1", AgentID: "agent-1", Scorers: []string{"slow"}})
	cancel()

	_, err := store.LoadEvaluation(context.Background(), "run-1")
	require.ErrorIs(t, err, state.ErrNotFound)

	close(release)
	d.Wait()
	got, err := store.LoadEvaluation(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Scores["slow"])
}

func TestNoWriteWhenEveryScorerFails(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("err", ScorerFunc(func(context.Context, ScorerInput) (Score, error) {
		return Score{}, errors.New("judge unavailable")
	})))
	require.NoError(t, reg.Register("nan", fixed(nan())))
	d, store, events, _ := newTestDispatcher(t, reg)

	res, err := d.Evaluate(context.Background(), Request{RunID: "run-1", AgentID: "agent-1", Scorers: []string{"err", "nan"}})
	require.Error(t, err)
	assert.False(t, res.Saved)
	assert.Len(t, res.Failed, 2)
	assert.EqualValues(t, 0, store.saves.Load())
	assert.Empty(t, events.byName(string(types.EventEvalCompleted)))
	assert.Len(t, events.byName(string(types.EventEvalScorerFailed)), 2)
}

func TestUnknownScorersAreSkipped(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", fixed(1)))
	d, store, _, logs := newTestDispatcher(t, reg)

	res, err := d.Evaluate(context.Background(), Request{RunID: "run-1", AgentID: "agent-1", Scorers: []string{"a", "ghost"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, res.Unknown)
	assert.True(t, res.Saved)
	assert.Contains(t, logs.String(), "scorer=ghost")

	_, err = d.Evaluate(context.Background(), Request{RunID: "run-2", Scorers: []string{"ghost"}})
	require.Error(t, err)
	assert.EqualValues(t, 1, store.saves.Load())
}

func TestEvaluationUpsertOverwritesScores(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	require.NoError(t, reg.Register("count", ScorerFunc(func(context.Context, ScorerInput) (Score, error) {
		return Score{Value: float64(calls.Add(1))}, nil
	})))
	d, store, _, _ := newTestDispatcher(t, reg)

	req := Request{RunID: "run-1", AgentID: "agent-1", Scorers: []string{"count"}}
	_, err := d.Evaluate(context.Background(), req)
	require.NoError(t, err)
	first, err := store.LoadEvaluation(context.Background(), "run-1")
	require.NoError(t, err)

	_, err = d.Evaluate(context.Background(), req)
	require.NoError(t, err)
	second, err := store.LoadEvaluation(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, 1.0, first.Scores["count"])
	assert.Equal(t, 2.0, second.Scores["count"])
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestScorerSeesRunInputAndOutput(t *testing.T) {
	var seen ScorerInput
	reg := NewRegistry()
	require.NoError(t, reg.Register("peek", ScorerFunc(func(_ context.Context, in ScorerInput) (Score, error) {
		seen = in
		return Score{Value: 1, Reason: "ok"}, nil
	})))
	d, _, _, _ := newTestDispatcher(t, reg)

	res, err := d.Evaluate(context.Background(), Request{RunID: "run-1", AgentID: "agent-1", Scorers: []string{"peek"}, Input: "question", Output: "answer"})
	require.NoError(t, err)
	assert.Equal(t, []types.Message{{Role: types.RoleUser, Content: "question"}}, seen.Input)
	assert.Equal(t, []types.Message{{Role: types.RoleAssistant, Content: "answer"}}, seen.Output)
	assert.Equal(t, map[string]string{"peek": "ok"}, res.Record.Reasons)
}

func TestBackfillScoresCompletedRuns(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t, DefaultRegistry())
	ctx := context.Background()

	seed := func(id string, status types.RunStatus, meta map[string]any) {
		run := state.RunRecord{RunID: id, AgentID: "agent-1", Status: status, Input: "summarize kubernetes pods", Output: "kubernetes pods are running", Metadata: meta}
		if status.Terminal() {
			require.NoError(t, store.FinalizeRun(ctx, run))
			return
		}
		require.NoError(t, store.SaveRun(ctx, run))
	}
	seed("done-1", types.RunStatusCompleted, map[string]any{"scorers": []any{CompletenessName, KeywordCoverageName}})
	seed("done-2", types.RunStatusCompleted, nil)
	seed("failed-1", types.RunStatusFailed, map[string]any{"scorers": []string{CompletenessName}})
	seed("live-1", types.RunStatusStreaming, map[string]any{"scorers": []string{CompletenessName}})

	report, err := d.Backfill(ctx, state.ListRunsQuery{AgentID: "agent-1"}, BackfillOptions{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)

	got, err := store.LoadEvaluation(ctx, "done-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Scores[CompletenessName])
	assert.InDelta(t, 2.0/3.0, got.Scores[KeywordCoverageName], 1e-9)

	report, err = d.Backfill(ctx, state.ListRunsQuery{}, BackfillOptions{Scorers: []string{JSONValidityName}})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Evaluated)
	got, err = store.LoadEvaluation(ctx, "done-2")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{JSONValidityName: 0}, got.Scores)
}

func TestBuiltinScorers(t *testing.T) {
	ctx := context.Background()
	input := func(in, out string) ScorerInput {
		return ScorerInput{
			Input:  []types.Message{{Role: types.RoleUser, Content: in}},
			Output: []types.Message{{Role: types.RoleAssistant, Content: out}},
		}
	}

	s, err := Completeness().Score(ctx, input("q", "  "))
	require.NoError(t, err)
	assert.Zero(t, s.Value)
	s, err = Completeness().Score(ctx, input("q", "a"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Value)

	s, err = KeywordCoverage().Score(ctx, input("Deploy the payments service", "the payments rollout is done"))
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, s.Value, 1e-9)
	assert.Contains(t, s.Reason, "deploy")
	s, err = KeywordCoverage().Score(ctx, input("hi", "x"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Value)

	s, err = JSONValidity().Score(ctx, input("q", "```json\n{\"ok\": true}\n```"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Value)
	s, err = JSONValidity().Score(ctx, input("q", "{nope"))
	require.NoError(t, err)
	assert.Zero(t, s.Value)
}

func TestJSONSchemaScorer(t *testing.T) {
	scorer, err := NewJSONSchemaScorer(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)
	require.NoError(t, err)
	ctx := context.Background()
	out := func(s string) ScorerInput {
		return ScorerInput{Output: []types.Message{{Role: types.RoleAssistant, Content: s}}}
	}

	s, err := scorer.Score(ctx, out(`{"name":"ada"}`))
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Value)

	s, err = scorer.Score(ctx, out(`{"age":3}`))
	require.NoError(t, err)
	assert.Zero(t, s.Value)
	assert.True(t, strings.Contains(s.Reason, "name"))

	s, err = scorer.Score(ctx, out(`plain text`))
	require.NoError(t, err)
	assert.Zero(t, s.Value)

	_, err = NewJSONSchemaScorer(`{"type": 12}`)
	require.Error(t, err)
}

func TestRegistryValidation(t *testing.T) {
	reg := NewRegistry()
	require.Error(t, reg.Register(" ", fixed(1)))
	require.Error(t, reg.Register("x", nil))
	assert.Equal(t, []string{CompletenessName, JSONValidityName, KeywordCoverageName}, DefaultRegistry().Names())
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}

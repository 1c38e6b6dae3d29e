package recorder

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
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

// countingStore counts terminal writes and can be told to fail them.
type countingStore struct {
	*memory.Store
	finalizeCalls atomic.Int32
	failFinalize  atomic.Int32
	failSave      atomic.Bool
}

func newCountingStore() *countingStore {
	return &countingStore{Store: memory.New()}
}

func (c *countingStore) SaveRun(ctx context.Context, run state.RunRecord) error {
	if c.failSave.Load() {
		return errors.New("disk full")
	}
	return c.Store.SaveRun(ctx, run)
}

func (c *countingStore) FinalizeRun(ctx context.Context, run state.RunRecord) error {
	c.finalizeCalls.Add(1)
	if c.failFinalize.Load() > 0 {
		c.failFinalize.Add(-1)
		return errors.New("connection reset")
	}
	return c.Store.FinalizeRun(ctx, run)
}

type eventLog struct {
	mu     sync.Mutex
	events []observe.Event
}

func (l *eventLog) Emit(_ context.Context, e observe.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Name)
	}
	return out
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func newTestRecorder(t *testing.T, store state.Store, opts ...Option) (*Recorder, *eventLog) {
	t.Helper()
	events := &eventLog{}
	base := []Option{
		WithObserver(events),
		WithRetryPolicy(fastRetry(3)),
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	}
	rec, err := New(store, append(base, opts...)...)
	require.NoError(t, err)
	return rec, events
}

func TestStartWritesStartedRecord(t *testing.T) {
	store := newCountingStore()
	rec, events := newTestRecorder(t, store, WithIDGenerator(func() string { return "run-1" }))

	h, err := rec.Start(context.Background(), Meta{AgentID: "agent-1", Provider: "openai", Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", h.RunID())

	got, err := store.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusStarted, got.Status)
	assert.Equal(t, types.SourceProduction, got.Source)
	assert.Nil(t, got.Usage)
	assert.Equal(t, []string{string(types.EventRunStarted)}, events.names())
}

func TestStartRequiresAgent(t *testing.T) {
	rec, _ := newTestRecorder(t, memory.New())
	_, err := rec.Start(context.Background(), Meta{})
	assert.Error(t, err)
}

func TestStartPersistFailure(t *testing.T) {
	store := newCountingStore()
	store.failSave.Store(true)
	rec, _ := newTestRecorder(t, store)

	_, err := rec.Start(context.Background(), Meta{AgentID: "a"})
	var pe *PersistError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.Attempts)
	assert.False(t, IsLimbo(err))
}

func TestLifecycleCompleted(t *testing.T) {
	store := newCountingStore()
	rec, events := newTestRecorder(t, store)
	ctx := context.Background()

	h, err := rec.Start(ctx, Meta{RunID: "r1", AgentID: "a1"})
	require.NoError(t, err)
	require.NoError(t, h.MarkStreaming(ctx))
	require.NoError(t, h.MarkStreaming(ctx))
	assert.Equal(t, types.RunStatusStreaming, h.Status())

	dur := int64(200)
	require.NoError(t, h.AddToolCall(ctx, types.ToolInvocation{CallID: "c1", ToolName: "search", Success: true, DurationMs: &dur, Match: types.MatchMatched}))
	require.NoError(t, h.AddToolCall(ctx, types.ToolInvocation{CallID: "zz", Success: true, Match: types.MatchUnmatchedResult}))

	err = h.Complete(ctx, Completion{
		Output:   "done",
		Usage:    types.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10, Source: types.UsageEstimated},
		Cost:     types.Cost{USD: 0.01, Estimated: true},
		Timeline: []types.ExecutionStep{{Seq: 1, Kind: types.StepResponse, Content: "done"}},
	})
	require.NoError(t, err)

	got, err := store.LoadRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, got.Status)
	assert.Equal(t, "done", got.Output)
	require.NotNil(t, got.Usage)
	assert.Equal(t, 10, got.Usage.TotalTokens)
	assert.Len(t, got.ToolInvocations, 2)
	assert.Len(t, got.Timeline, 1)
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t, []string{
		string(types.EventRunStarted),
		string(types.EventRunStreaming),
		string(types.EventToolCompleted),
		string(types.EventToolUnmatched),
		string(types.EventRunCompleted),
	}, events.names())
}

func TestTerminalWriteIsExactlyOnce(t *testing.T) {
	store := newCountingStore()
	rec, _ := newTestRecorder(t, store)
	ctx := context.Background()

	h, err := rec.Start(ctx, Meta{RunID: "r1", AgentID: "a1"})
	require.NoError(t, err)

	require.NoError(t, h.Fail(ctx, Failure{Err: &types.RunError{Kind: types.ErrorKindStream, Message: "upstream closed"}}))
	assert.ErrorIs(t, h.Fail(ctx, Failure{Err: &types.RunError{Kind: types.ErrorKindInternal, Message: "outer handler"}}), ErrFinalized)
	assert.ErrorIs(t, h.Complete(ctx, Completion{Output: "late"}), ErrFinalized)
	assert.ErrorIs(t, h.AddToolCall(ctx, types.ToolInvocation{CallID: "x"}), ErrFinalized)
	assert.ErrorIs(t, h.MarkStreaming(ctx), ErrFinalized)

	assert.EqualValues(t, 1, store.finalizeCalls.Load())
	got, err := store.LoadRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, types.ErrorKindStream, got.Error.Kind)
}

func TestConcurrentTerminalCallsWriteOnce(t *testing.T) {
	store := newCountingStore()
	rec, _ := newTestRecorder(t, store)
	ctx := context.Background()

	h, err := rec.Start(ctx, Meta{RunID: "r1", AgentID: "a1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = h.Complete(ctx, Completion{Output: "ok"})
			} else {
				err = h.Fail(ctx, Failure{})
			}
			if err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrFinalized)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 1, store.finalizeCalls.Load())
}

func TestSecondHandleCannotOverwriteTerminalRecord(t *testing.T) {
	store := newCountingStore()
	rec, _ := newTestRecorder(t, store)
	ctx := context.Background()

	h1, err := rec.Start(ctx, Meta{RunID: "shared", AgentID: "a1"})
	require.NoError(t, err)
	h2 := &RunHandle{rec: rec, run: h1.Record()}

	require.NoError(t, h1.Complete(ctx, Completion{Output: "first"}))
	assert.ErrorIs(t, h2.Fail(ctx, Failure{}), ErrFinalized)

	got, err := store.LoadRun(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Output)
}

func TestStartRefusesRunIDWithTerminalRecord(t *testing.T) {
	store := newCountingStore()
	rec, events := newTestRecorder(t, store)
	ctx := context.Background()

	h, err := rec.Start(ctx, Meta{RunID: "run-1", AgentID: "a1", Input: "q1"})
	require.NoError(t, err)
	require.NoError(t, h.Complete(ctx, Completion{Output: "first answer"}))
	before := len(events.names())

	h2, err := rec.Start(ctx, Meta{RunID: "run-1", AgentID: "a1", Input: "q2"})
	require.ErrorIs(t, err, ErrFinalized)
	assert.Nil(t, h2)
	assert.False(t, IsLimbo(err))
	assert.Len(t, events.names(), before, "a refused start emits nothing")

	got, err := store.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, got.Status)
	assert.Equal(t, "first answer", got.Output)
	assert.Equal(t, "q1", got.Input)
}

func TestTerminalWriteRetriesTransientFailure(t *testing.T) {
	store := newCountingStore()
	store.failFinalize.Store(2)
	rec, _ := newTestRecorder(t, store)
	ctx := context.Background()

	h, err := rec.Start(ctx, Meta{RunID: "r1", AgentID: "a1"})
	require.NoError(t, err)
	require.NoError(t, h.Complete(ctx, Completion{Output: "ok"}))
	assert.EqualValues(t, 3, store.finalizeCalls.Load())
}

func TestTerminalWriteLimbo(t *testing.T) {
	store := newCountingStore()
	store.failFinalize.Store(100)
	var logs bytes.Buffer
	rec, events := newTestRecorder(t, store, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	ctx := context.Background()

	h, err := rec.Start(ctx, Meta{RunID: "r1", AgentID: "a1"})
	require.NoError(t, err)

	err = h.Complete(ctx, Completion{Output: "ok"})
	var pe *PersistError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, opComplete, pe.Op)
	assert.True(t, IsLimbo(err))
	assert.NotErrorIs(t, err, ErrFinalized)

	assert.Contains(t, logs.String(), "level=ERROR")
	assert.Contains(t, logs.String(), "run_limbo=true")
	assert.Contains(t, events.names(), string(types.EventPersistFailed))

	// The outcome is claimed; a later failure path must not try again.
	assert.ErrorIs(t, h.Fail(ctx, Failure{}), ErrFinalized)
	assert.EqualValues(t, 3, store.finalizeCalls.Load())
}

func TestTerminalWriteSurvivesCancelledContext(t *testing.T) {
	store := newCountingStore()
	rec, _ := newTestRecorder(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := rec.Start(ctx, Meta{RunID: "r1", AgentID: "a1"})
	require.NoError(t, err)
	cancel()

	require.NoError(t, h.Fail(ctx, Failure{Err: &types.RunError{Kind: types.ErrorKindClientDisconnected, Message: "client went away"}}))
	got, err := store.LoadRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, got.Status)
}

func TestRecordIsSnapshot(t *testing.T) {
	rec, _ := newTestRecorder(t, memory.New())
	ctx := context.Background()
	h, err := rec.Start(ctx, Meta{RunID: "r1", AgentID: "a1"})
	require.NoError(t, err)
	require.NoError(t, h.AddToolCall(ctx, types.ToolInvocation{CallID: "c1", Match: types.MatchMatched, Success: true}))

	snap := h.Record()
	snap.ToolInvocations[0].CallID = "mutated"
	assert.Equal(t, "c1", h.Record().ToolInvocations[0].CallID)
}

func TestBackoffForAttempt(t *testing.T) {
	p := normalizeRetryPolicy(RetryPolicy{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, p.backoffForAttempt(1))
	assert.Equal(t, 200*time.Millisecond, p.backoffForAttempt(2))
	assert.Equal(t, 300*time.Millisecond, p.backoffForAttempt(3))
	assert.Equal(t, 300*time.Millisecond, p.backoffForAttempt(9))
}

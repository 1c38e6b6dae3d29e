package hybrid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PipeOpsHQ/agent-recorder/state"
	"github.com/PipeOpsHQ/agent-recorder/state/memory"
	"github.com/PipeOpsHQ/agent-recorder/types"
)

var errWrite = errors.New("write failed")

// failingStore rejects every write but serves reads from the embedded store.
type failingStore struct {
	*memory.Store
}

func (f failingStore) SaveRun(context.Context, state.RunRecord) error     { return errWrite }
func (f failingStore) FinalizeRun(context.Context, state.RunRecord) error { return errWrite }
func (f failingStore) SaveEvaluation(context.Context, state.EvaluationRecord) error {
	return errWrite
}

func testRun(id string) state.RunRecord {
	now := time.Now().UTC()
	return state.RunRecord{
		RunID:     id,
		AgentID:   "agent-1",
		Provider:  "p",
		Status:    types.RunStatusStarted,
		Input:     "hello",
		CreatedAt: &now,
		UpdatedAt: &now,
	}
}

func TestHybridStore_WriteUsesDurableAsSourceOfTruth(t *testing.T) {
	durable := memory.New()
	h, err := New(durable, failingStore{memory.New()})
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}

	if err := h.SaveRun(context.Background(), testRun("run-1")); err != nil {
		t.Fatalf("SaveRun should succeed when cache fails: %v", err)
	}
	if _, err := durable.LoadRun(context.Background(), "run-1"); err != nil {
		t.Fatalf("durable store should contain run: %v", err)
	}
}

func TestHybridStore_ReadFallbackAndBackfill(t *testing.T) {
	durable := memory.New()
	cache := memory.New()
	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}

	if err := durable.SaveRun(context.Background(), testRun("run-2")); err != nil {
		t.Fatalf("durable SaveRun failed: %v", err)
	}
	got, err := h.LoadRun(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.RunID != "run-2" {
		t.Fatalf("unexpected run: %#v", got)
	}
	if _, err := cache.LoadRun(context.Background(), "run-2"); err != nil {
		t.Fatalf("expected backfill into cache, got err: %v", err)
	}
}

func TestHybridStore_FailsWhenDurableFails(t *testing.T) {
	h, err := New(failingStore{memory.New()}, memory.New())
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	if err := h.SaveRun(context.Background(), testRun("run-3")); err == nil {
		t.Fatalf("expected SaveRun to fail when durable write fails")
	}
}

func TestHybridStore_FinalizeConflictComesFromDurable(t *testing.T) {
	durable := memory.New()
	cache := memory.New()
	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	ctx := context.Background()

	run := testRun("run-4")
	run.Status = types.RunStatusCompleted
	if err := h.FinalizeRun(ctx, run); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}
	if got, err := cache.LoadRun(ctx, "run-4"); err != nil || got.Status != types.RunStatusCompleted {
		t.Fatalf("expected terminal run in cache, got %#v (%v)", got, err)
	}

	run.Status = types.RunStatusFailed
	if err := h.FinalizeRun(ctx, run); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestHybridStore_SaveRunCannotReopenTerminalRun(t *testing.T) {
	durable := memory.New()
	cache := memory.New()
	h, err := New(durable, cache)
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	ctx := context.Background()

	run := testRun("run-6")
	run.Status = types.RunStatusCompleted
	run.Output = "first answer"
	if err := h.FinalizeRun(ctx, run); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}
	if err := h.SaveRun(ctx, testRun("run-6")); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	for name, s := range map[string]state.Store{"durable": durable, "cache": cache} {
		got, err := s.LoadRun(ctx, "run-6")
		if err != nil || got.Status != types.RunStatusCompleted || got.Output != "first answer" {
			t.Fatalf("%s lost the terminal record: %#v (%v)", name, got, err)
		}
	}
}

func TestHybridStore_EvaluationReadThrough(t *testing.T) {
	durable := memory.New()
	h, err := New(durable, failingStore{memory.New()})
	if err != nil {
		t.Fatalf("failed to create hybrid store: %v", err)
	}
	ctx := context.Background()
	if err := h.SaveEvaluation(ctx, state.EvaluationRecord{RunID: "run-5", Scores: map[string]float64{"x": 1}}); err != nil {
		t.Fatalf("SaveEvaluation failed: %v", err)
	}
	got, err := h.LoadEvaluation(ctx, "run-5")
	if err != nil || got.Scores["x"] != 1 {
		t.Fatalf("unexpected evaluation %#v (%v)", got, err)
	}
}

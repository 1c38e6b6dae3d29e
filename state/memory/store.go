// Package memory is a process-local state.Store used by tests, replays and
// the CLI when no durable backend is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PipeOpsHQ/agent-recorder/state"
)

type Store struct {
	mu    sync.Mutex
	runs  map[string]state.RunRecord
	evals map[string]state.EvaluationRecord
	now   func() time.Time
}

const defaultLimit = 50

func New() *Store {
	return &Store{
		runs:  map[string]state.RunRecord{},
		evals: map[string]state.EvaluationRecord{},
		now:   time.Now,
	}
}

func (m *Store) SaveRun(_ context.Context, run state.RunRecord) error {
	if err := run.Normalize(m.now().UTC()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.runs[run.RunID]; ok && existing.Status.Terminal() {
		return state.ErrConflict
	}
	m.runs[run.RunID] = run
	return nil
}

func (m *Store) FinalizeRun(_ context.Context, run state.RunRecord) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", run.Status)
	}
	if err := run.Normalize(m.now().UTC()); err != nil {
		return err
	}
	if run.CompletedAt == nil {
		completed := *run.UpdatedAt
		run.CompletedAt = &completed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.runs[run.RunID]; ok && existing.Status.Terminal() {
		return state.ErrConflict
	}
	m.runs[run.RunID] = run
	return nil
}

func (m *Store) LoadRun(_ context.Context, runID string) (state.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return state.RunRecord{}, state.ErrNotFound
	}
	return run, nil
}

func (m *Store) ListRuns(_ context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	m.mu.Lock()
	out := make([]state.RunRecord, 0, len(m.runs))
	for _, run := range m.runs {
		if query.AgentID != "" && run.AgentID != query.AgentID {
			continue
		}
		if query.ThreadID != "" && run.ThreadID != query.ThreadID {
			continue
		}
		if query.Source != "" && run.Source != query.Source {
			continue
		}
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		out = append(out, run)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(*out[j].CreatedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].CreatedAt.After(*out[j].CreatedAt)
	})
	if query.Offset > 0 {
		if query.Offset >= len(out) {
			return []state.RunRecord{}, nil
		}
		out = out[query.Offset:]
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) SaveEvaluation(_ context.Context, eval state.EvaluationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.evals[eval.RunID]; ok && eval.CreatedAt.IsZero() {
		eval.CreatedAt = existing.CreatedAt
	}
	if err := eval.Normalize(m.now().UTC()); err != nil {
		return err
	}
	m.evals[eval.RunID] = eval
	return nil
}

func (m *Store) LoadEvaluation(_ context.Context, runID string) (state.EvaluationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eval, ok := m.evals[runID]
	if !ok {
		return state.EvaluationRecord{}, state.ErrNotFound
	}
	return eval, nil
}

func (m *Store) Close() error { return nil }

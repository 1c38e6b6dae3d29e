package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PipeOpsHQ/agent-recorder/state"
)

// HybridStore writes through to a durable store and keeps a best-effort
// cache. The durable store alone decides terminal-write conflicts.
type HybridStore struct {
	durable state.Store
	cache   state.Store
	logger  *slog.Logger
}

type Option func(*HybridStore)

func WithLogger(logger *slog.Logger) Option {
	return func(h *HybridStore) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func New(durable state.Store, cache state.Store, opts ...Option) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	h := &HybridStore{
		durable: durable,
		cache:   cache,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HybridStore) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := h.durable.SaveRun(ctx, run); err != nil {
		return err
	}
	h.cacheRun(ctx, run, "SaveRun")
	return nil
}

func (h *HybridStore) FinalizeRun(ctx context.Context, run state.RunRecord) error {
	if err := h.durable.FinalizeRun(ctx, run); err != nil {
		return err
	}
	h.cacheRun(ctx, run, "FinalizeRun")
	return nil
}

func (h *HybridStore) cacheRun(ctx context.Context, run state.RunRecord, op string) {
	if h.cache == nil {
		return
	}
	// The cache refuses to overwrite a terminal copy it already holds.
	if err := h.cache.SaveRun(ctx, run); err != nil && !errors.Is(err, state.ErrConflict) {
		h.logger.Warn("hybrid store cache write failed", "op", op, "run_id", run.RunID, "err", err)
	}
}

func (h *HybridStore) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if h.cache != nil {
		run, err := h.cache.LoadRun(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			h.logger.Warn("hybrid store cache read failed", "op", "LoadRun", "run_id", runID, "err", err)
		}
	}

	run, err := h.durable.LoadRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	h.cacheRun(ctx, run, "backfill")
	return run, nil
}

func (h *HybridStore) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	return h.durable.ListRuns(ctx, query)
}

func (h *HybridStore) SaveEvaluation(ctx context.Context, eval state.EvaluationRecord) error {
	if err := h.durable.SaveEvaluation(ctx, eval); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveEvaluation(ctx, eval); err != nil {
			h.logger.Warn("hybrid store cache write failed", "op", "SaveEvaluation", "run_id", eval.RunID, "err", err)
		}
	}
	return nil
}

func (h *HybridStore) LoadEvaluation(ctx context.Context, runID string) (state.EvaluationRecord, error) {
	if h.cache != nil {
		eval, err := h.cache.LoadEvaluation(ctx, runID)
		if err == nil {
			return eval, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			h.logger.Warn("hybrid store cache read failed", "op", "LoadEvaluation", "run_id", runID, "err", err)
		}
	}
	return h.durable.LoadEvaluation(ctx, runID)
}

func (h *HybridStore) Close() error {
	var firstErr error
	if h.cache != nil {
		if err := h.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.durable != nil {
		if err := h.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

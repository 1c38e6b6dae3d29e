// Package recorder persists the lifecycle of a single agent run:
// started -> streaming -> completed | failed, with exactly one terminal
// record per run.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/agent-recorder/observe"
	"github.com/PipeOpsHQ/agent-recorder/state"
	"github.com/PipeOpsHQ/agent-recorder/types"
)

const (
	opStart     = "start"
	opStreaming = "streaming"
	opComplete  = "complete"
	opFail      = "fail"
)

type Recorder struct {
	store    state.Store
	observer observe.Sink
	logger   *slog.Logger
	retry    RetryPolicy
	now      func() time.Time
	newID    func() string
}

type Option func(*Recorder)

func WithObserver(observer observe.Sink) Option {
	return func(r *Recorder) {
		r.observer = observer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(r *Recorder) {
		r.retry = normalizeRetryPolicy(policy)
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(r *Recorder) {
		if newID != nil {
			r.newID = newID
		}
	}
}

func New(store state.Store, opts ...Option) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	r := &Recorder{
		store:  store,
		logger: slog.Default(),
		retry:  DefaultRetryPolicy(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Meta describes a run at start. RunID is generated when empty.
type Meta struct {
	RunID      string
	AgentID    string
	Source     types.Source
	ResourceID string
	ThreadID   string
	Provider   string
	Model      string
	Input      string
	Metadata   map[string]any
}

// Start writes the started record and returns the handle that owns the
// run from here on.
func (r *Recorder) Start(ctx context.Context, meta Meta) (*RunHandle, error) {
	if strings.TrimSpace(meta.AgentID) == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	runID := meta.RunID
	if runID == "" {
		runID = r.newID()
	}
	source := meta.Source
	if source == "" {
		source = types.SourceProduction
	}
	now := r.now().UTC()
	run := state.RunRecord{
		RunID:      runID,
		AgentID:    meta.AgentID,
		Source:     source,
		ResourceID: meta.ResourceID,
		ThreadID:   meta.ThreadID,
		Provider:   meta.Provider,
		Model:      meta.Model,
		Status:     types.RunStatusStarted,
		Input:      meta.Input,
		Metadata:   maps.Clone(meta.Metadata),
		CreatedAt:  &now,
		UpdatedAt:  &now,
	}

	attempts, err := r.retry.do(ctx, func(ctx context.Context) error {
		err := r.store.SaveRun(ctx, run)
		if errors.Is(err, state.ErrConflict) {
			return permanent(err)
		}
		return err
	})
	if errors.Is(err, state.ErrConflict) {
		r.logger.Warn("run id already has a terminal record", "run_id", runID, "agent_id", meta.AgentID)
		return nil, fmt.Errorf("%w: %s", ErrFinalized, runID)
	}
	if err != nil {
		r.logger.Error("failed to record run start", "run_id", runID, "agent_id", meta.AgentID, "attempts", attempts, "err", err)
		return nil, &PersistError{RunID: runID, Op: opStart, Attempts: attempts, Err: err}
	}

	h := &RunHandle{rec: r, run: run}
	r.emit(ctx, h.event(types.EventRunStarted))
	r.logger.Debug("run started", "run_id", runID, "agent_id", meta.AgentID)
	return h, nil
}

// finalize performs the terminal write. It runs on a context detached from
// the caller's cancellation: a client that hung up must still get its run
// recorded.
func (r *Recorder) finalize(ctx context.Context, op string, run state.RunRecord) error {
	ctx = context.WithoutCancel(ctx)
	attempts, err := r.retry.do(ctx, func(ctx context.Context) error {
		err := r.store.FinalizeRun(ctx, run)
		if errors.Is(err, state.ErrConflict) {
			return permanent(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, state.ErrConflict) {
		r.logger.Warn("terminal record already stored", "run_id", run.RunID, "op", op)
		return ErrFinalized
	}

	r.logger.Error("run terminal write failed",
		"run_id", run.RunID,
		"agent_id", run.AgentID,
		"op", op,
		"status", run.Status,
		"attempts", attempts,
		"run_limbo", true,
		"err", err,
	)
	r.emit(ctx, types.Event{
		Type:      types.EventPersistFailed,
		Timestamp: r.now().UTC(),
		RunID:     run.RunID,
		AgentID:   run.AgentID,
		ThreadID:  run.ThreadID,
		Provider:  run.Provider,
		Message:   fmt.Sprintf("%s write failed after %d attempt(s)", op, attempts),
		Error:     err.Error(),
	})
	return &PersistError{RunID: run.RunID, Op: op, Attempts: attempts, Err: err}
}

func (r *Recorder) emit(ctx context.Context, event types.Event) {
	if r.observer == nil {
		return
	}
	if err := r.observer.Emit(ctx, observe.FromLifecycleEvent(event)); err != nil {
		r.logger.Debug("observer emit failed", "run_id", event.RunID, "event", event.Type, "err", err)
	}
}

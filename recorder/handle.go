package recorder

import (
	"context"
	"slices"
	"sync"

	"github.com/PipeOpsHQ/agent-recorder/state"
	"github.com/PipeOpsHQ/agent-recorder/types"
)

// Completion is everything the terminal success write needs.
type Completion struct {
	Output   string
	Usage    types.Usage
	Cost     types.Cost
	Timeline []types.ExecutionStep
}

// Failure is the terminal failure write. Output and Timeline hold whatever
// was produced before the failure.
type Failure struct {
	Err      *types.RunError
	Output   string
	Timeline []types.ExecutionStep
	Usage    *types.Usage
}

// RunHandle is safe for concurrent use. The first of Complete or Fail
// claims the terminal transition; every later terminal call returns
// ErrFinalized without writing.
type RunHandle struct {
	rec *Recorder

	mu        sync.Mutex
	run       state.RunRecord
	finalized bool
}

func (h *RunHandle) RunID() string {
	return h.run.RunID
}

func (h *RunHandle) Status() types.RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run.Status
}

// Record returns a snapshot of the run as the recorder currently sees it.
func (h *RunHandle) Record() state.RunRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return cloneRun(h.run)
}

// MarkStreaming moves started -> streaming. The write is best-effort: a
// failure is logged and the run continues.
func (h *RunHandle) MarkStreaming(ctx context.Context) error {
	h.mu.Lock()
	if h.finalized {
		h.mu.Unlock()
		return ErrFinalized
	}
	if h.run.Status != types.RunStatusStarted {
		h.mu.Unlock()
		return nil
	}
	now := h.rec.now().UTC()
	h.run.Status = types.RunStatusStreaming
	h.run.UpdatedAt = &now
	snapshot := cloneRun(h.run)
	h.mu.Unlock()

	if err := h.rec.store.SaveRun(ctx, snapshot); err != nil {
		h.rec.logger.Warn("failed to record streaming status", "run_id", snapshot.RunID, "err", err)
	}
	h.rec.emit(ctx, h.event(types.EventRunStreaming))
	return nil
}

// AddToolCall appends one resolved or orphaned invocation, in the order
// given.
func (h *RunHandle) AddToolCall(ctx context.Context, inv types.ToolInvocation) error {
	h.mu.Lock()
	if h.finalized {
		h.mu.Unlock()
		return ErrFinalized
	}
	h.run.ToolInvocations = append(h.run.ToolInvocations, inv)
	h.mu.Unlock()

	event := h.event(types.EventToolCompleted)
	switch {
	case inv.Match != types.MatchMatched:
		event.Type = types.EventToolUnmatched
		event.Message = string(inv.Match)
	case !inv.Success:
		event.Type = types.EventToolFailed
	}
	event.ToolName = inv.ToolName
	event.ToolCallID = inv.CallID
	event.Error = inv.Error
	if inv.DurationMs != nil {
		event.DurationMs = *inv.DurationMs
	}
	h.rec.emit(ctx, event)
	return nil
}

// Complete performs the single terminal success write.
func (h *RunHandle) Complete(ctx context.Context, c Completion) error {
	run, ok := h.claim(func(run *state.RunRecord) {
		usage := c.Usage
		cost := c.Cost
		run.Status = types.RunStatusCompleted
		run.Output = c.Output
		run.Usage = &usage
		run.Cost = &cost
		run.Timeline = slices.Clone(c.Timeline)
	})
	if !ok {
		return ErrFinalized
	}
	if err := h.rec.finalize(ctx, opComplete, run); err != nil {
		return err
	}

	event := h.event(types.EventRunCompleted)
	event.DurationMs = run.CompletedAt.Sub(*run.CreatedAt).Milliseconds()
	h.rec.emit(ctx, event)
	h.rec.logger.Info("run completed",
		"run_id", run.RunID,
		"agent_id", run.AgentID,
		"tools", len(run.ToolInvocations),
		"total_tokens", c.Usage.TotalTokens,
		"usage_source", c.Usage.Source,
		"cost_usd", c.Cost.USD,
	)
	return nil
}

// Fail performs the single terminal failure write.
func (h *RunHandle) Fail(ctx context.Context, f Failure) error {
	runErr := f.Err
	if runErr == nil {
		runErr = &types.RunError{Kind: types.ErrorKindInternal, Message: "run failed"}
	}
	run, ok := h.claim(func(run *state.RunRecord) {
		errCopy := *runErr
		run.Status = types.RunStatusFailed
		run.Error = &errCopy
		run.Output = f.Output
		run.Timeline = slices.Clone(f.Timeline)
		if f.Usage != nil {
			usage := *f.Usage
			run.Usage = &usage
		}
	})
	if !ok {
		return ErrFinalized
	}
	if err := h.rec.finalize(ctx, opFail, run); err != nil {
		return err
	}

	event := h.event(types.EventRunFailed)
	event.Error = runErr.Error()
	event.DurationMs = run.CompletedAt.Sub(*run.CreatedAt).Milliseconds()
	h.rec.emit(ctx, event)
	h.rec.logger.Warn("run failed", "run_id", run.RunID, "agent_id", run.AgentID, "kind", runErr.Kind, "err", runErr.Message)
	return nil
}

func (h *RunHandle) claim(apply func(run *state.RunRecord)) (state.RunRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finalized {
		return state.RunRecord{}, false
	}
	h.finalized = true
	now := h.rec.now().UTC()
	apply(&h.run)
	h.run.UpdatedAt = &now
	h.run.CompletedAt = &now
	return cloneRun(h.run), true
}

func (h *RunHandle) event(t types.EventType) types.Event {
	return types.Event{
		Type:      t,
		Timestamp: h.rec.now().UTC(),
		RunID:     h.run.RunID,
		AgentID:   h.run.AgentID,
		ThreadID:  h.run.ThreadID,
		Provider:  h.run.Provider,
	}
}

func cloneRun(in state.RunRecord) state.RunRecord {
	out := in
	out.Timeline = slices.Clone(in.Timeline)
	out.ToolInvocations = slices.Clone(in.ToolInvocations)
	return out
}

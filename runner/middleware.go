package runner

import (
	"context"
	"time"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

// Middleware observes a run as it is processed. Hooks run on the run's own
// goroutine in registration order; a panicking hook is recovered and
// logged.
type Middleware interface {
	AfterTool(ctx context.Context, event *ToolMiddlewareEvent)
	AfterRun(ctx context.Context, event *RunMiddlewareEvent)
	OnError(ctx context.Context, event *ErrorMiddlewareEvent)
}

type NoopMiddleware struct{}

func (NoopMiddleware) AfterTool(context.Context, *ToolMiddlewareEvent) {}

func (NoopMiddleware) AfterRun(context.Context, *RunMiddlewareEvent) {}

func (NoopMiddleware) OnError(context.Context, *ErrorMiddlewareEvent) {}

type ToolMiddlewareEvent struct {
	RunID      string
	AgentID    string
	Invocation types.ToolInvocation
}

type RunMiddlewareEvent struct {
	RunID      string
	AgentID    string
	Status     types.RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Usage      types.Usage
	Cost       types.Cost
}

type ErrorMiddlewareEvent struct {
	RunID   string
	AgentID string
	Stage   string
	Err     error
}

func (r *Runner) runAfterTool(ctx context.Context, event *ToolMiddlewareEvent) {
	for _, m := range r.middlewares {
		r.safeHook("after_tool", event.RunID, func() { m.AfterTool(ctx, event) })
	}
}

func (r *Runner) runAfterRun(ctx context.Context, event *RunMiddlewareEvent) {
	for _, m := range r.middlewares {
		r.safeHook("after_run", event.RunID, func() { m.AfterRun(ctx, event) })
	}
}

func (r *Runner) notifyError(ctx context.Context, event *ErrorMiddlewareEvent) {
	for _, m := range r.middlewares {
		r.safeHook("on_error", event.RunID, func() { m.OnError(ctx, event) })
	}
}

func (r *Runner) safeHook(stage, runID string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("middleware panicked", "run_id", runID, "stage", stage, "err", rec)
		}
	}()
	fn()
}

// Package runner processes one agent run end to end: it reads the agent's
// event stream, forwards text to the client, correlates tool calls, builds
// the timeline, and commits the terminal record.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"time"

	"github.com/PipeOpsHQ/agent-recorder/evaluation"
	"github.com/PipeOpsHQ/agent-recorder/livestream"
	"github.com/PipeOpsHQ/agent-recorder/recorder"
	"github.com/PipeOpsHQ/agent-recorder/types"
	"github.com/PipeOpsHQ/agent-recorder/usage"
)

// GenericErrorText is the only failure detail a client ever sees.
const GenericErrorText = "The agent could not complete this response. Please try again."

type Runner struct {
	resolver      Resolver
	recorder      *recorder.Recorder
	dispatcher    *evaluation.Dispatcher
	coster        usage.Coster
	logger        *slog.Logger
	middlewares   []Middleware
	now           func() time.Time
	historyTokens int
}

type Option func(*Runner)

// WithDispatcher enables evaluation of successful runs.
func WithDispatcher(d *evaluation.Dispatcher) Option {
	return func(r *Runner) {
		r.dispatcher = d
	}
}

func WithCoster(c usage.Coster) Option {
	return func(r *Runner) {
		if c != nil {
			r.coster = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMiddleware(middlewares ...Middleware) Option {
	return func(r *Runner) {
		for _, m := range middlewares {
			if m != nil {
				r.middlewares = append(r.middlewares, m)
			}
		}
	}
}

// WithClock drives timeline timestamps and tool durations.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func WithHistoryTokens(budget int) Option {
	return func(r *Runner) {
		if budget > 0 {
			r.historyTokens = budget
		}
	}
}

func New(resolver Resolver, rec *recorder.Recorder, opts ...Option) (*Runner, error) {
	if resolver == nil {
		return nil, fmt.Errorf("agent resolver is required")
	}
	if rec == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	r := &Runner{
		resolver:      resolver,
		recorder:      rec,
		coster:        usage.NewPriceTable(nil),
		logger:        slog.Default(),
		now:           time.Now,
		historyTokens: DefaultHistoryTokens,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type Request struct {
	RunID      string
	AgentID    string
	Input      string
	ThreadID   string
	ResourceID string
	Source     types.Source
	Metadata   map[string]any
}

// Result mirrors the committed run record.
type Result struct {
	RunID           string
	Status          types.RunStatus
	Output          string
	Usage           types.Usage
	Cost            types.Cost
	ToolInvocations []types.ToolInvocation
	Timeline        []types.ExecutionStep
	Err             *types.RunError
}

// Run processes one request to its terminal record. Every path, including
// a panic while processing, ends in exactly one Complete or Fail. The
// returned error is nil only for a completed and durably recorded run.
func (r *Runner) Run(ctx context.Context, req Request, out livestream.Writer) (res Result, err error) {
	if out == nil {
		out = livestream.Discard
	}

	agent, resolveErr := r.resolver.Resolve(ctx, req.AgentID)
	info := AgentInfo{ID: req.AgentID}
	if resolveErr == nil {
		info = agent.Info()
		if info.ID == "" {
			info.ID = req.AgentID
		}
	}

	handle, err := r.recorder.Start(ctx, recorder.Meta{
		RunID:      req.RunID,
		AgentID:    info.ID,
		Source:     req.Source,
		ResourceID: req.ResourceID,
		ThreadID:   req.ThreadID,
		Provider:   info.Provider,
		Model:      info.Model,
		Input:      req.Input,
		Metadata:   runMetadata(req.Metadata, info),
	})
	if err != nil {
		_ = out.Write(ctx, livestream.Error(GenericErrorText))
		return Result{}, err
	}

	p := newProcess(r, handle, info, req, out)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("run processing panicked", "run_id", handle.RunID(), "agent_id", info.ID, "err", rec, "stack", string(debug.Stack()))
			p.fail(types.ErrorKindInternal, fmt.Sprint(rec), fmt.Errorf("%w: %v", ErrInternal, rec))
		}
		res, err = p.finish(ctx)
	}()

	if resolveErr != nil {
		p.fail(types.ErrorKindAgentResolution, resolveErr.Error(), resolveErr)
		return
	}
	p.consume(ctx, agent)
	return
}

func (r *Runner) loadHistory(ctx context.Context, agent Agent, req Request) []types.Message {
	if req.ThreadID == "" {
		return nil
	}
	mem := agent.Memory()
	if mem == nil {
		return nil
	}
	history, err := mem.Messages(ctx, req.ThreadID)
	if err != nil {
		r.logger.Warn("failed to load thread history", "agent_id", req.AgentID, "thread_id", req.ThreadID, "err", err)
		return nil
	}
	return TrimHistory(history, req.Input, r.historyTokens)
}

func runMetadata(in map[string]any, info AgentInfo) map[string]any {
	out := maps.Clone(in)
	if out == nil {
		out = map[string]any{}
	}
	if len(info.Scorers) > 0 {
		out["scorers"] = append([]string(nil), info.Scorers...)
	}
	return out
}

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PipeOpsHQ/agent-recorder/correlate"
	"github.com/PipeOpsHQ/agent-recorder/evaluation"
	"github.com/PipeOpsHQ/agent-recorder/livestream"
	"github.com/PipeOpsHQ/agent-recorder/recorder"
	"github.com/PipeOpsHQ/agent-recorder/stream"
	"github.com/PipeOpsHQ/agent-recorder/timeline"
	"github.com/PipeOpsHQ/agent-recorder/types"
	"github.com/PipeOpsHQ/agent-recorder/usage"
)

// process is the state of one run. It is owned by the goroutine executing
// Runner.Run and is never shared.
type process struct {
	r      *Runner
	handle *recorder.RunHandle
	info   AgentInfo
	req    Request
	out    livestream.Writer
	textID string

	norm     *stream.Normalizer
	corr     *correlate.Correlator
	timeline *timeline.Builder
	src      stream.Source

	output     strings.Builder
	pending    strings.Builder
	startedAt  time.Time
	clientGone bool

	failure *types.RunError
	cause   error
}

func newProcess(r *Runner, handle *recorder.RunHandle, info AgentInfo, req Request, out livestream.Writer) *process {
	return &process{
		r:         r,
		handle:    handle,
		info:      info,
		req:       req,
		out:       out,
		textID:    "txt_" + handle.RunID(),
		norm:      stream.NewNormalizer(stream.WithClock(r.now)),
		corr:      correlate.New(correlate.WithClock(r.now)),
		timeline:  timeline.NewBuilder(),
		startedAt: r.now().UTC(),
	}
}

// fail records the first failure; later ones are only logged.
func (p *process) fail(kind types.ErrorKind, message string, cause error) {
	if p.failure != nil {
		p.r.logger.Debug("additional run failure ignored", "run_id", p.handle.RunID(), "kind", kind, "err", cause)
		return
	}
	p.failure = &types.RunError{Kind: kind, Message: message}
	p.cause = cause
	if kind == types.ErrorKindClientDisconnected {
		p.clientGone = true
	}
	p.r.notifyError(context.Background(), &ErrorMiddlewareEvent{
		RunID:   p.handle.RunID(),
		AgentID: p.info.ID,
		Stage:   string(kind),
		Err:     cause,
	})
}

func (p *process) send(ctx context.Context, event livestream.Event) error {
	if p.clientGone {
		return ErrClientDisconnected
	}
	if err := p.out.Write(ctx, event); err != nil {
		p.fail(types.ErrorKindClientDisconnected, "client stopped receiving: "+err.Error(), fmt.Errorf("%w: %v", ErrClientDisconnected, err))
		return err
	}
	return nil
}

func (p *process) consume(ctx context.Context, agent Agent) {
	if p.send(ctx, livestream.TextStart(p.textID)) != nil {
		return
	}
	if p.send(ctx, livestream.RunMetadataEvent(p.handle.RunID())) != nil {
		return
	}

	src, err := agent.Stream(ctx, p.req.Input, StreamOptions{
		RunID:      p.handle.RunID(),
		ThreadID:   p.req.ThreadID,
		ResourceID: p.req.ResourceID,
		History:    p.r.loadHistory(ctx, agent, p.req),
	})
	if err != nil {
		p.streamFailed(ctx, err)
		return
	}
	p.src = src
	if err := p.handle.MarkStreaming(ctx); err != nil {
		p.r.logger.Debug("streaming transition skipped", "run_id", p.handle.RunID(), "err", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			p.streamFailed(ctx, err)
			return
		}
		raw, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			p.streamFailed(ctx, err)
			return
		}
		if p.apply(ctx, p.norm.Normalize(raw)) != nil {
			return
		}
	}
}

func (p *process) streamFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		p.fail(types.ErrorKindClientDisconnected, "request context ended: "+ctx.Err().Error(), fmt.Errorf("%w: %v", ErrClientDisconnected, ctx.Err()))
		return
	}
	p.fail(types.ErrorKindStream, err.Error(), fmt.Errorf("%w: %v", ErrStreamFailed, err))
}

func (p *process) apply(ctx context.Context, ev stream.Event) error {
	switch ev.Kind {
	case stream.KindTextDelta:
		if !ev.HasDelta() {
			return nil
		}
		p.output.WriteString(ev.Text)
		p.pending.WriteString(ev.Text)
		return p.send(ctx, livestream.TextDelta(p.textID, ev.Text))

	case stream.KindToolCall:
		p.flushThinking()
		p.corr.Register(ev.CallID, ev.ToolName, ev.Args)
		p.timeline.Append(types.StepToolCall, timeline.FormatToolCall(ev.ToolName, ev.Args), p.r.now().UTC(), nil)

	case stream.KindToolResult:
		p.flushThinking()
		inv := p.corr.Resolve(ev.CallID, ev.ToolName, ev.Result, ev.Error, ev.IsError)
		var dur *time.Duration
		if inv.DurationMs != nil {
			d := time.Duration(*inv.DurationMs) * time.Millisecond
			dur = &d
		}
		p.timeline.Append(types.StepToolResult, timeline.FormatToolResult(inv), p.r.now().UTC(), dur)
		p.recordTool(ctx, inv)

	default:
		p.r.logger.Debug("ignoring stream event", "run_id", p.handle.RunID(), "type", ev.Type)
	}
	return nil
}

// flushThinking turns text seen since the last tool activity into a
// thinking step.
func (p *process) flushThinking() {
	if p.pending.Len() == 0 {
		return
	}
	p.timeline.Append(types.StepThinking, p.pending.String(), p.r.now().UTC(), nil)
	p.pending.Reset()
}

func (p *process) recordTool(ctx context.Context, inv types.ToolInvocation) {
	if err := p.handle.AddToolCall(ctx, inv); err != nil {
		p.r.logger.Warn("tool invocation not recorded", "run_id", p.handle.RunID(), "call_id", inv.CallID, "err", err)
		return
	}
	p.r.runAfterTool(ctx, &ToolMiddlewareEvent{RunID: p.handle.RunID(), AgentID: p.info.ID, Invocation: inv})
}

// finish flushes orphaned calls and commits the terminal record.
func (p *process) finish(ctx context.Context) (Result, error) {
	for _, orphan := range p.corr.Flush() {
		p.recordTool(ctx, orphan)
	}
	if p.failure != nil {
		return p.finishFailed(ctx)
	}
	return p.finishCompleted(ctx)
}

func (p *process) finishCompleted(ctx context.Context) (Result, error) {
	var raw *usage.Raw
	if p.src != nil {
		raw = p.src.Usage()
	}
	u := usage.Summarize(raw)
	cost := usage.Estimate(p.r.coster, p.info.Provider, p.info.Model, u)
	// The response step excerpts the whole output; text before a tool call
	// also appears earlier as a thinking step.
	output := p.output.String()
	p.pending.Reset()
	if output != "" {
		p.timeline.Append(types.StepResponse, output, p.r.now().UTC(), nil)
	}

	err := p.handle.Complete(ctx, recorder.Completion{
		Output:   output,
		Usage:    u,
		Cost:     cost,
		Timeline: p.timeline.Steps(),
	})
	_ = p.send(ctx, livestream.TextEnd(p.textID))
	res := p.result()
	p.r.runAfterRun(ctx, &RunMiddlewareEvent{
		RunID:      res.RunID,
		AgentID:    p.info.ID,
		Status:     res.Status,
		StartedAt:  p.startedAt,
		FinishedAt: p.r.now().UTC(),
		Usage:      u,
		Cost:       cost,
	})
	if err != nil {
		return res, err
	}

	if p.r.dispatcher != nil && len(p.info.Scorers) > 0 {
		p.r.dispatcher.Dispatch(ctx, evaluation.Request{
			RunID:   res.RunID,
			AgentID: p.info.ID,
			Scorers: p.info.Scorers,
			Input:   p.req.Input,
			Output:  output,
		})
	}
	return res, nil
}

func (p *process) finishFailed(ctx context.Context) (Result, error) {
	p.flushThinking()
	failure := recorder.Failure{
		Err:      p.failure,
		Output:   p.output.String(),
		Timeline: p.timeline.Steps(),
	}
	if p.src != nil {
		if raw := p.src.Usage(); raw != nil {
			u := usage.Summarize(raw)
			failure.Usage = &u
		}
	}
	persistErr := p.handle.Fail(ctx, failure)
	if !p.clientGone {
		_ = p.out.Write(ctx, livestream.Error(GenericErrorText))
	}
	res := p.result()
	p.r.runAfterRun(ctx, &RunMiddlewareEvent{
		RunID:      res.RunID,
		AgentID:    p.info.ID,
		Status:     res.Status,
		StartedAt:  p.startedAt,
		FinishedAt: p.r.now().UTC(),
	})
	if persistErr != nil {
		return res, errors.Join(p.cause, persistErr)
	}
	return res, p.cause
}

func (p *process) result() Result {
	run := p.handle.Record()
	res := Result{
		RunID:           run.RunID,
		Status:          run.Status,
		Output:          run.Output,
		ToolInvocations: run.ToolInvocations,
		Timeline:        run.Timeline,
		Err:             run.Error,
	}
	if run.Usage != nil {
		res.Usage = *run.Usage
	}
	if run.Cost != nil {
		res.Cost = *run.Cost
	}
	return res
}

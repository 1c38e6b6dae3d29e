package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PipeOpsHQ/agent-recorder/observe"
	"github.com/PipeOpsHQ/agent-recorder/state"
	"github.com/PipeOpsHQ/agent-recorder/types"
)

const DefaultTimeout = 2 * time.Minute

// Request names the scorers to run against one finished run.
type Request struct {
	RunID   string
	AgentID string
	Scorers []string
	Input   string
	Output  string
}

// Result is the outcome of one evaluation pass.
type Result struct {
	Record  state.EvaluationRecord
	Failed  map[string]error
	Unknown []string
	Saved   bool
}

type scorerFailure struct {
	name string
	err  error
}

type Dispatcher struct {
	store    state.Store
	registry *Registry
	logger   *slog.Logger
	observer observe.Sink
	timeout  time.Duration
	now      func() time.Time

	wg sync.WaitGroup
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

// WithTimeout bounds a whole evaluation pass, all scorers included.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(store state.Store, registry *Registry, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	d := &Dispatcher{
		store:    store,
		registry: registry,
		logger:   slog.Default(),
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch schedules an evaluation and returns immediately. The work runs on
// a context detached from ctx's cancellation so a finished request does not
// abort scoring.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) {
	if len(req.Scorers) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	detached := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("evaluation panicked", "run_id", req.RunID, "err", fmt.Sprint(r))
			}
		}()
		if _, err := d.Evaluate(detached, req); err != nil {
			d.logger.Warn("evaluation not saved", "run_id", req.RunID, "agent_id", req.AgentID, "err", err)
		}
	}()
}

// Wait blocks until every dispatched evaluation has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Evaluate runs the requested scorers concurrently and upserts the scores
// that succeeded. A failing scorer never affects its siblings. When no
// scorer succeeds nothing is written.
func (d *Dispatcher) Evaluate(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	scorers, unknown := d.registry.Lookup(req.Scorers)
	for _, name := range unknown {
		d.logger.Warn("unknown scorer skipped", "run_id", req.RunID, "scorer", name)
	}
	res := Result{Unknown: unknown, Failed: map[string]error{}}
	if len(scorers) == 0 {
		return res, fmt.Errorf("no known scorers for run %s", req.RunID)
	}

	in := ScorerInput{
		RunID:   req.RunID,
		AgentID: req.AgentID,
		Input:   []types.Message{{Role: types.RoleUser, Content: req.Input}},
		Output:  []types.Message{{Role: types.RoleAssistant, Content: req.Output}},
	}

	var (
		mu     sync.Mutex
		scores = map[string]float64{}
		reason = map[string]string{}
		errs   = make(chan scorerFailure, len(scorers))
		wg     sync.WaitGroup
	)
	for name, scorer := range scorers {
		wg.Add(1)
		go func(name string, scorer Scorer) {
			defer wg.Done()
			score, err := runScorer(ctx, scorer, in)
			if err != nil {
				errs <- scorerFailure{name: name, err: err}
				return
			}
			mu.Lock()
			scores[name] = score.Value
			if strings.TrimSpace(score.Reason) != "" {
				reason[name] = score.Reason
			}
			mu.Unlock()
		}(name, scorer)
	}
	wg.Wait()
	close(errs)

	for f := range errs {
		res.Failed[f.name] = f.err
		d.logger.Warn("scorer failed", "run_id", req.RunID, "agent_id", req.AgentID, "scorer", f.name, "err", f.err)
		d.emit(ctx, types.Event{
			Type:      types.EventEvalScorerFailed,
			Timestamp: d.now().UTC(),
			RunID:     req.RunID,
			AgentID:   req.AgentID,
			Scorer:    f.name,
			Error:     f.err.Error(),
		})
	}

	if len(scores) == 0 {
		return res, fmt.Errorf("all %d scorer(s) failed for run %s", len(scorers), req.RunID)
	}

	now := d.now().UTC()
	// CreatedAt stays zero so the store keeps the first evaluation's value.
	res.Record = state.EvaluationRecord{
		RunID:     req.RunID,
		AgentID:   req.AgentID,
		Scores:    scores,
		UpdatedAt: now,
	}
	if len(reason) > 0 {
		res.Record.Reasons = reason
	}
	if err := d.store.SaveEvaluation(ctx, res.Record); err != nil {
		return res, fmt.Errorf("save evaluation: %w", err)
	}
	res.Saved = true

	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)
	d.emit(ctx, types.Event{
		Type:      types.EventEvalCompleted,
		Timestamp: now,
		RunID:     req.RunID,
		AgentID:   req.AgentID,
		Message:   strings.Join(names, ","),
	})
	d.logger.Debug("evaluation saved", "run_id", req.RunID, "scorers", len(scores), "failed", len(res.Failed))
	return res, nil
}

func runScorer(ctx context.Context, scorer Scorer, in ScorerInput) (score Score, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer panicked: %v", r)
		}
	}()
	score, err = scorer.Score(ctx, in)
	if err != nil {
		return Score{}, err
	}
	if math.IsNaN(score.Value) || math.IsInf(score.Value, 0) {
		return Score{}, fmt.Errorf("scorer returned non-finite value %v", score.Value)
	}
	return score, nil
}

func (d *Dispatcher) emit(ctx context.Context, event types.Event) {
	if d.observer == nil {
		return
	}
	if err := d.observer.Emit(ctx, observe.FromLifecycleEvent(event)); err != nil {
		d.logger.Debug("observer emit failed", "run_id", event.RunID, "event", event.Type, "err", err)
	}
}

package evaluation

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/PipeOpsHQ/agent-recorder/state"
	"github.com/PipeOpsHQ/agent-recorder/types"
)

type BackfillOptions struct {
	// Scorers overrides the scorer list for every run. When empty, the
	// names stored under the run's "scorers" metadata key are used.
	Scorers []string
	Workers int
	// RunTimeout bounds each run's evaluation on top of the dispatcher
	// timeout.
	RunTimeout time.Duration
}

type BackfillReport struct {
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt time.Time         `json:"completedAt"`
	Total       int               `json:"total"`
	Evaluated   int               `json:"evaluated"`
	Skipped     int               `json:"skipped"`
	Failed      int               `json:"failed"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// Backfill re-scores stored completed runs. Evaluations are upserts, so a
// rerun overwrites earlier scores.
func (d *Dispatcher) Backfill(ctx context.Context, query state.ListRunsQuery, opts BackfillOptions) (BackfillReport, error) {
	query.Status = types.RunStatusCompleted
	runs, err := d.listRuns(ctx, query)
	if err != nil {
		return BackfillReport{}, err
	}
	report := BackfillReport{StartedAt: d.now().UTC(), Total: len(runs)}
	if len(runs) == 0 {
		report.CompletedAt = d.now().UTC()
		return report, nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers(len(runs))
	}
	if workers > len(runs) {
		workers = len(runs)
	}

	type outcome struct {
		skipped bool
		err     error
	}
	outcomes := make([]outcome, len(runs))
	type job struct {
		idx int
		run state.RunRecord
	}
	jobs := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				names := opts.Scorers
				if len(names) == 0 {
					names = scorersFromMetadata(j.run.Metadata)
				}
				if len(names) == 0 {
					outcomes[j.idx] = outcome{skipped: true}
					continue
				}
				runCtx := ctx
				cancel := func() {}
				if opts.RunTimeout > 0 {
					runCtx, cancel = context.WithTimeout(ctx, opts.RunTimeout)
				}
				_, err := d.Evaluate(runCtx, Request{
					RunID:   j.run.RunID,
					AgentID: j.run.AgentID,
					Scorers: names,
					Input:   j.run.Input,
					Output:  j.run.Output,
				})
				cancel()
				outcomes[j.idx] = outcome{err: err}
			}
		}()
	}

	dispatched := 0
dispatchLoop:
	for idx, run := range runs {
		select {
		case <-ctx.Done():
			for i := idx; i < len(runs); i++ {
				outcomes[i] = outcome{err: ctx.Err()}
			}
			break dispatchLoop
		case jobs <- job{idx: idx, run: run}:
			dispatched++
		}
	}
	close(jobs)
	wg.Wait()

	for i, o := range outcomes {
		switch {
		case o.skipped:
			report.Skipped++
		case o.err != nil:
			report.Failed++
			if report.Errors == nil {
				report.Errors = map[string]string{}
			}
			report.Errors[runs[i].RunID] = o.err.Error()
		default:
			report.Evaluated++
		}
	}
	report.CompletedAt = d.now().UTC()
	d.logger.Info("evaluation backfill finished",
		"total", report.Total, "dispatched", dispatched,
		"evaluated", report.Evaluated, "skipped", report.Skipped, "failed", report.Failed)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

const backfillPageSize = 200

// listRuns returns up to query.Limit runs, or every matching run when no
// limit is set.
func (d *Dispatcher) listRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	if query.Limit > 0 {
		runs, err := d.store.ListRuns(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		return runs, nil
	}
	var all []state.RunRecord
	query.Limit = backfillPageSize
	for {
		page, err := d.store.ListRuns(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		all = append(all, page...)
		if len(page) < backfillPageSize {
			return all, nil
		}
		query.Offset += len(page)
	}
}

func scorersFromMetadata(meta map[string]any) []string {
	raw, ok := meta["scorers"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

func defaultWorkers(total int) int {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 8 {
		workers = 8
	}
	if total > 0 && workers > total {
		workers = total
	}
	return workers
}

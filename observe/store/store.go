package store

import (
	"context"
	"time"

	"github.com/PipeOpsHQ/agent-recorder/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
}

type MetricsQuery struct {
	Since   *time.Time
	AgentID string
}

type MetricsSummary struct {
	RunsStarted         int64 `json:"runsStarted"`
	RunsCompleted       int64 `json:"runsCompleted"`
	RunsFailed          int64 `json:"runsFailed"`
	ToolCalls           int64 `json:"toolCalls"`
	ToolFailures        int64 `json:"toolFailures"`
	ToolsUnmatched      int64 `json:"toolsUnmatched"`
	Evaluations         int64 `json:"evaluations"`
	ScorerFailures      int64 `json:"scorerFailures"`
	PersistenceFailures int64 `json:"persistenceFailures"`
}

type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEventsByRun(ctx context.Context, runID string, query ListQuery) ([]observe.Event, error)
	ListEventsByAgent(ctx context.Context, agentID string, query ListQuery) ([]observe.Event, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	Close() error
}

// Sink adapts a trace store to observe.Sink.
func Sink(s Store) observe.Sink {
	return observe.SinkFunc(func(ctx context.Context, event observe.Event) error {
		return s.SaveEvent(ctx, event)
	})
}

package state

import (
	"context"
	"errors"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

var (
	ErrNotFound = errors.New("state: not found")
	// ErrConflict is returned when a terminal write targets a run that is
	// already completed or failed.
	ErrConflict = errors.New("state: conflict")
)

type ListRunsQuery struct {
	AgentID  string
	ThreadID string
	Source   types.Source
	Status   types.RunStatus
	Limit    int
	Offset   int
}

type Store interface {
	// SaveRun upserts a non-terminal snapshot of a run.
	SaveRun(ctx context.Context, run RunRecord) error
	// FinalizeRun writes the terminal record. It refuses with ErrConflict
	// when the stored run is already terminal.
	FinalizeRun(ctx context.Context, run RunRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)

	// SaveEvaluation upserts scores keyed by run id.
	SaveEvaluation(ctx context.Context, eval EvaluationRecord) error
	LoadEvaluation(ctx context.Context, runID string) (EvaluationRecord, error)

	Close() error
}

package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/agent-recorder/state"
	"github.com/PipeOpsHQ/agent-recorder/types"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
	// fixed width so created_at sorts lexically
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

const runColumns = `run_id, agent_id, source, resource_id, thread_id, provider, model, status, input, output,
  usage, cost, timeline, tool_invocations, error, metadata, created_at, updated_at, completed_at`

const upsertRunSQL = `
INSERT INTO runs (` + runColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  agent_id=excluded.agent_id,
  source=excluded.source,
  resource_id=excluded.resource_id,
  thread_id=excluded.thread_id,
  provider=excluded.provider,
  model=excluded.model,
  status=excluded.status,
  input=excluded.input,
  output=excluded.output,
  usage=excluded.usage,
  cost=excluded.cost,
  timeline=excluded.timeline,
  tool_invocations=excluded.tool_invocations,
  error=excluded.error,
  metadata=excluded.metadata,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at`

// nonTerminalGuard limits the update branch to runs that are not yet
// completed or failed. A stored terminal record affects zero rows.
const nonTerminalGuard = `
WHERE runs.status NOT IN ('completed', 'failed');`

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
	now         func() time.Time
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := run.Normalize(s.now().UTC()); err != nil {
		return err
	}
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, upsertRunSQL+nonTerminalGuard, args...)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return conflictIfUntouched(res, "save run")
}

func conflictIfUntouched(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return state.ErrConflict
	}
	return nil
}

// SaveRun and FinalizeRun are both conditional upserts; neither touches a
// run that already has its terminal record.
func (s *Store) FinalizeRun(ctx context.Context, run state.RunRecord) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", run.Status)
	}
	if err := run.Normalize(s.now().UTC()); err != nil {
		return err
	}
	if run.CompletedAt == nil {
		completed := *run.UpdatedAt
		run.CompletedAt = &completed
	}
	args, err := runArgs(run)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, upsertRunSQL+nonTerminalGuard, args...)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	return conflictIfUntouched(res, "finalize run")
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}

	q := `SELECT ` + runColumns + ` FROM runs WHERE run_id = ?;`
	run, err := scanRun(s.db.QueryRowContext(ctx, q, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, query.AgentID)
	}
	if query.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, query.ThreadID)
	}
	if query.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(query.Source))
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(query.Status))
	}

	sqlText := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]state.RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func (s *Store) SaveEvaluation(ctx context.Context, eval state.EvaluationRecord) error {
	if err := eval.Normalize(s.now().UTC()); err != nil {
		return err
	}
	scoresRaw, err := json.Marshal(eval.Scores)
	if err != nil {
		return fmt.Errorf("failed to marshal scores: %w", err)
	}
	if eval.Reasons == nil {
		eval.Reasons = map[string]string{}
	}
	reasonsRaw, err := json.Marshal(eval.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	const q = `
INSERT INTO evaluations (run_id, agent_id, scores, reasons, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  agent_id=excluded.agent_id,
  scores=excluded.scores,
  reasons=excluded.reasons,
  updated_at=excluded.updated_at;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		eval.RunID,
		eval.AgentID,
		string(scoresRaw),
		string(reasonsRaw),
		eval.CreatedAt.UTC().Format(timeLayout),
		eval.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save evaluation: %w", err)
	}
	return nil
}

func (s *Store) LoadEvaluation(ctx context.Context, runID string) (state.EvaluationRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return state.EvaluationRecord{}, fmt.Errorf("run_id is required")
	}

	const q = `
SELECT run_id, agent_id, scores, reasons, created_at, updated_at
FROM evaluations
WHERE run_id = ?;
`
	var (
		eval       state.EvaluationRecord
		scoresRaw  string
		reasonsRaw string
		createdRaw string
		updatedRaw string
	)
	err := s.db.QueryRowContext(ctx, q, runID).Scan(
		&eval.RunID,
		&eval.AgentID,
		&scoresRaw,
		&reasonsRaw,
		&createdRaw,
		&updatedRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.EvaluationRecord{}, state.ErrNotFound
		}
		return state.EvaluationRecord{}, fmt.Errorf("failed to load evaluation: %w", err)
	}
	if err := json.Unmarshal([]byte(scoresRaw), &eval.Scores); err != nil {
		return state.EvaluationRecord{}, fmt.Errorf("failed to decode scores: %w", err)
	}
	if err := json.Unmarshal([]byte(reasonsRaw), &eval.Reasons); err != nil {
		return state.EvaluationRecord{}, fmt.Errorf("failed to decode reasons: %w", err)
	}
	if eval.CreatedAt, err = parseRequiredTime(createdRaw); err != nil {
		return state.EvaluationRecord{}, fmt.Errorf("failed to parse evaluation created_at: %w", err)
	}
	if eval.UpdatedAt, err = parseRequiredTime(updatedRaw); err != nil {
		return state.EvaluationRecord{}, fmt.Errorf("failed to parse evaluation updated_at: %w", err)
	}
	return eval, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func runArgs(run state.RunRecord) ([]any, error) {
	usageRaw, err := json.Marshal(run.Usage)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal usage: %w", err)
	}
	costRaw, err := json.Marshal(run.Cost)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cost: %w", err)
	}
	timeline := run.Timeline
	if timeline == nil {
		timeline = []types.ExecutionStep{}
	}
	timelineRaw, err := json.Marshal(timeline)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timeline: %w", err)
	}
	tools := run.ToolInvocations
	if tools == nil {
		tools = []types.ToolInvocation{}
	}
	toolsRaw, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool invocations: %w", err)
	}
	errRaw, err := json.Marshal(run.Error)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run error: %w", err)
	}
	metaRaw, err := json.Marshal(run.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return []any{
		run.RunID,
		run.AgentID,
		string(run.Source),
		run.ResourceID,
		run.ThreadID,
		run.Provider,
		run.Model,
		string(run.Status),
		run.Input,
		run.Output,
		nullIfEmptyJSON(usageRaw),
		nullIfEmptyJSON(costRaw),
		string(timelineRaw),
		string(toolsRaw),
		nullIfEmptyJSON(errRaw),
		string(metaRaw),
		toNullableTime(run.CreatedAt),
		toNullableTime(run.UpdatedAt),
		toNullableTime(run.CompletedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (state.RunRecord, error) {
	var (
		run          state.RunRecord
		source       string
		status       string
		usageRaw     sql.NullString
		costRaw      sql.NullString
		timelineRaw  string
		toolsRaw     string
		errRaw       sql.NullString
		metadataRaw  string
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&run.RunID,
		&run.AgentID,
		&source,
		&run.ResourceID,
		&run.ThreadID,
		&run.Provider,
		&run.Model,
		&status,
		&run.Input,
		&run.Output,
		&usageRaw,
		&costRaw,
		&timelineRaw,
		&toolsRaw,
		&errRaw,
		&metadataRaw,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return state.RunRecord{}, err
	}
	run.Source = types.Source(source)
	run.Status = types.RunStatus(status)

	if usageRaw.Valid && usageRaw.String != "" {
		var usage types.Usage
		if err := json.Unmarshal([]byte(usageRaw.String), &usage); err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to decode run usage: %w", err)
		}
		run.Usage = &usage
	}
	if costRaw.Valid && costRaw.String != "" {
		var cost types.Cost
		if err := json.Unmarshal([]byte(costRaw.String), &cost); err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to decode run cost: %w", err)
		}
		run.Cost = &cost
	}
	if errRaw.Valid && errRaw.String != "" {
		var runErr types.RunError
		if err := json.Unmarshal([]byte(errRaw.String), &runErr); err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to decode run error: %w", err)
		}
		run.Error = &runErr
	}
	if err := json.Unmarshal([]byte(timelineRaw), &run.Timeline); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run timeline: %w", err)
	}
	if err := json.Unmarshal([]byte(toolsRaw), &run.ToolInvocations); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode tool invocations: %w", err)
	}
	if strings.TrimSpace(metadataRaw) == "" {
		run.Metadata = map[string]any{}
	} else if err := json.Unmarshal([]byte(metadataRaw), &run.Metadata); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run metadata: %w", err)
	}

	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to parse run updated_at: %w", err)
	}
	run.CreatedAt = &created
	run.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return state.RunRecord{}, fmt.Errorf("failed to parse run completed_at: %w", err)
		}
		run.CompletedAt = &completed
	}
	return run, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func nullIfEmptyJSON(raw []byte) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

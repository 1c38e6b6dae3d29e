package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/agent-recorder/state"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "agrec"
	watchRetries  = 5
)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
	now      func() time.Time
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
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

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := run.Normalize(s.now().UTC()); err != nil {
		return err
	}
	if err := s.writeUnlessTerminal(ctx, run); err != nil {
		return fmt.Errorf("failed to save run in redis: %w", err)
	}
	return nil
}

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
	if err := s.writeUnlessTerminal(ctx, run); err != nil {
		return fmt.Errorf("failed to finalize run in redis: %w", err)
	}
	return nil
}

// writeUnlessTerminal watches the run key so a concurrent terminal write
// aborts the transaction; a stored terminal status yields state.ErrConflict.
func (s *Store) writeUnlessTerminal(ctx context.Context, run state.RunRecord) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	runKey := s.runKey(run.RunID)
	txf := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, runKey).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if err == nil {
			var stored state.RunRecord
			if jsonErr := json.Unmarshal([]byte(current), &stored); jsonErr == nil && stored.Status.Terminal() {
				return state.ErrConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.queueRunWrite(ctx, pipe, run, raw)
			return nil
		})
		return err
	}

	for i := 0; i < watchRetries; i++ {
		err := s.client.Watch(ctx, txf, runKey)
		if err == nil || errors.Is(err, state.ErrConflict) {
			return err
		}
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return goredis.TxFailedErr
}

func (s *Store) queueRunWrite(ctx context.Context, pipe goredis.Pipeliner, run state.RunRecord, raw []byte) {
	score := float64(run.CreatedAt.UnixNano())
	member := goredis.Z{Score: score, Member: run.RunID}

	pipe.Set(ctx, s.runKey(run.RunID), string(raw), s.ttl)
	indexes := []string{s.allIndexKey(), s.agentIndexKey(run.AgentID)}
	if run.ThreadID != "" {
		indexes = append(indexes, s.threadIndexKey(run.ThreadID))
	}
	for _, idx := range indexes {
		pipe.ZAdd(ctx, idx, member)
		pipe.Expire(ctx, idx, s.ttl)
	}
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if runID == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}

	raw, err := s.client.Get(ctx, s.runKey(runID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run from redis: %w", err)
	}

	var run state.RunRecord
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run from redis: %w", err)
	}
	return run, nil
}

// ListRuns walks the narrowest sorted index newest first and applies the
// remaining filters in memory.
func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	idx := s.allIndexKey()
	switch {
	case query.ThreadID != "":
		idx = s.threadIndexKey(query.ThreadID)
	case query.AgentID != "":
		idx = s.agentIndexKey(query.AgentID)
	}

	ids, err := s.client.ZRevRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list run ids: %w", err)
	}
	if len(ids) == 0 {
		return []state.RunRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	loaded, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget runs from redis: %w", err)
	}

	matched := make([]state.RunRecord, 0, len(loaded))
	stale := make([]any, 0)
	for i, raw := range loaded {
		str, ok := raw.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var run state.RunRecord
		if err := json.Unmarshal([]byte(str), &run); err != nil {
			continue
		}
		if !matches(run, query) {
			continue
		}
		matched = append(matched, run)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, idx, stale...).Err()
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return createdAt(matched[i]).After(createdAt(matched[j]))
	})
	if offset >= len(matched) {
		return []state.RunRecord{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) SaveEvaluation(ctx context.Context, eval state.EvaluationRecord) error {
	now := s.now().UTC()
	if eval.CreatedAt.IsZero() {
		if existing, err := s.LoadEvaluation(ctx, eval.RunID); err == nil {
			eval.CreatedAt = existing.CreatedAt
		}
	}
	if err := eval.Normalize(now); err != nil {
		return err
	}
	raw, err := json.Marshal(eval)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation: %w", err)
	}
	if err := s.client.Set(ctx, s.evalKey(eval.RunID), string(raw), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save evaluation in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadEvaluation(ctx context.Context, runID string) (state.EvaluationRecord, error) {
	if runID == "" {
		return state.EvaluationRecord{}, fmt.Errorf("run_id is required")
	}
	raw, err := s.client.Get(ctx, s.evalKey(runID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.EvaluationRecord{}, state.ErrNotFound
		}
		return state.EvaluationRecord{}, fmt.Errorf("failed to load evaluation from redis: %w", err)
	}
	var eval state.EvaluationRecord
	if err := json.Unmarshal([]byte(raw), &eval); err != nil {
		return state.EvaluationRecord{}, fmt.Errorf("failed to decode evaluation from redis: %w", err)
	}
	return eval, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func matches(run state.RunRecord, query state.ListRunsQuery) bool {
	if query.AgentID != "" && run.AgentID != query.AgentID {
		return false
	}
	if query.ThreadID != "" && run.ThreadID != query.ThreadID {
		return false
	}
	if query.Source != "" && run.Source != query.Source {
		return false
	}
	if query.Status != "" && run.Status != query.Status {
		return false
	}
	return true
}

func createdAt(run state.RunRecord) time.Time {
	if run.CreatedAt == nil {
		return time.Time{}
	}
	return *run.CreatedAt
}

func (s *Store) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", s.prefix, runID)
}

func (s *Store) evalKey(runID string) string {
	return fmt.Sprintf("%s:eval:%s", s.prefix, runID)
}

func (s *Store) allIndexKey() string {
	return fmt.Sprintf("%s:runidx:all", s.prefix)
}

func (s *Store) agentIndexKey(agentID string) string {
	return fmt.Sprintf("%s:runidx:agent:%s", s.prefix, agentID)
}

func (s *Store) threadIndexKey(threadID string) string {
	return fmt.Sprintf("%s:runidx:thread:%s", s.prefix, threadID)
}

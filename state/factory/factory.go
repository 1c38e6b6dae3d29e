package factory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/PipeOpsHQ/agent-recorder/internal/config"
	"github.com/PipeOpsHQ/agent-recorder/state"
	"github.com/PipeOpsHQ/agent-recorder/state/hybrid"
	"github.com/PipeOpsHQ/agent-recorder/state/memory"
	redisstore "github.com/PipeOpsHQ/agent-recorder/state/redis"
	sqlitestore "github.com/PipeOpsHQ/agent-recorder/state/sqlite"
)

func FromEnv(ctx context.Context) (state.Store, error) {
	return New(ctx, config.FromEnv(), slog.Default())
}

// New opens the backend named by cfg.StateBackend. The hybrid backend
// degrades to sqlite alone when redis is unreachable.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (state.Store, error) {
	_ = ctx
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.StateBackend {
	case "", "sqlite":
		return sqlitestore.New(cfg.SQLitePath)

	case "memory":
		return memory.New(), nil

	case "redis":
		return newRedisStore(cfg)

	case "hybrid":
		durable, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStore(cfg)
		if err != nil {
			logger.Warn("redis cache unavailable, using sqlite only", "addr", cfg.RedisAddr, "err", err)
			return hybrid.New(durable, nil, hybrid.WithLogger(logger))
		}
		return hybrid.New(durable, cache, hybrid.WithLogger(logger))

	default:
		return nil, fmt.Errorf("unsupported AGENT_STATE_BACKEND %q (use sqlite, redis, hybrid, or memory)", cfg.StateBackend)
	}
}

func newRedisStore(cfg config.Config) (state.Store, error) {
	return redisstore.New(
		cfg.RedisAddr,
		redisstore.WithPassword(cfg.RedisPassword),
		redisstore.WithDB(cfg.RedisDB),
		redisstore.WithTTL(cfg.RedisTTL),
	)
}

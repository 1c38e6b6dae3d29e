package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultSQLitePath     = "./.agent-recorder/state.db"
	DefaultTraceDB        = "./.agent-recorder/traces.db"
	DefaultRedisAddr      = "127.0.0.1:6379"
	DefaultRedisTTL       = 72 * time.Hour
	DefaultEvalTimeout    = 2 * time.Minute
	DefaultPersistRetries = 3
)

type Config struct {
	StateBackend   string
	SQLitePath     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisTTL       time.Duration
	TraceDB        string
	PricingFile    string
	EvalTimeout    time.Duration
	PersistRetries int
	LogLevel       slog.Level
	LogFormat      string
	OTelEnabled    bool
}

// Load reads the given dotenv files (".env" when none are named) into the
// process environment without overriding variables that are already set,
// then resolves the configuration from the environment. Missing files are
// not an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return FromEnv(), nil
}

func FromEnv() Config {
	return Config{
		StateBackend:   strings.ToLower(Getenv("AGENT_STATE_BACKEND", "sqlite")),
		SQLitePath:     Getenv("AGENT_SQLITE_PATH", DefaultSQLitePath),
		RedisAddr:      Getenv("AGENT_REDIS_ADDR", DefaultRedisAddr),
		RedisPassword:  strings.TrimSpace(os.Getenv("AGENT_REDIS_PASSWORD")),
		RedisDB:        ParseIntEnv("AGENT_REDIS_DB", 0),
		RedisTTL:       ParseDurationEnv("AGENT_REDIS_TTL", DefaultRedisTTL),
		TraceDB:        Getenv("AGENT_TRACE_DB", DefaultTraceDB),
		PricingFile:    strings.TrimSpace(os.Getenv("AGENT_PRICING_FILE")),
		EvalTimeout:    ParseDurationEnv("AGENT_EVAL_TIMEOUT", DefaultEvalTimeout),
		PersistRetries: ParseIntEnv("AGENT_PERSIST_RETRIES", DefaultPersistRetries),
		LogLevel:       parseLevel(os.Getenv("AGENT_LOG_LEVEL")),
		LogFormat:      strings.ToLower(Getenv("AGENT_LOG_FORMAT", "text")),
		OTelEnabled:    ParseBoolString(os.Getenv("AGENT_OTEL_ENABLED"), false),
	}
}

// NewLogger builds the process logger from LogFormat and LogLevel.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/agent-recorder/stream"
	"github.com/PipeOpsHQ/agent-recorder/types"
)

var (
	ErrAgentNotFound      = errors.New("runner: agent not found")
	ErrClientDisconnected = errors.New("runner: client disconnected")
	ErrStreamFailed       = errors.New("runner: stream failed")
	ErrInternal           = errors.New("runner: internal error")
)

type AgentInfo struct {
	ID       string
	Provider string
	Model    string
	// Scorers are run against every successful run of this agent.
	Scorers []string
}

// StreamOptions is what the agent receives alongside the input.
type StreamOptions struct {
	RunID      string
	ThreadID   string
	ResourceID string
	History    []types.Message
}

// Memory exposes conversation history for a thread. Its storage is the
// agent's concern.
type Memory interface {
	Messages(ctx context.Context, threadID string) ([]types.Message, error)
}

type Agent interface {
	Stream(ctx context.Context, input string, opts StreamOptions) (stream.Source, error)
	// Memory may return nil for agents without conversational memory.
	Memory() Memory
	Info() AgentInfo
}

type Resolver interface {
	Resolve(ctx context.Context, agentID string) (Agent, error)
}

type ResolverFunc func(ctx context.Context, agentID string) (Agent, error)

func (f ResolverFunc) Resolve(ctx context.Context, agentID string) (Agent, error) {
	return f(ctx, agentID)
}

// StaticResolver serves a fixed set of agents keyed by id.
type StaticResolver struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewStaticResolver(agents ...Agent) *StaticResolver {
	r := &StaticResolver{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		r.Add(a)
	}
	return r
}

func (r *StaticResolver) Add(a Agent) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Info().ID] = a
}

func (r *StaticResolver) Resolve(_ context.Context, agentID string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[strings.TrimSpace(agentID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a, nil
}

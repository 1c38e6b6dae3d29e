// Package evaluation scores completed runs off the request path.
package evaluation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

// ScorerInput carries the run's input and output as message lists, the
// shape scorers share with conversational memory.
type ScorerInput struct {
	RunID   string
	AgentID string
	Input   []types.Message
	Output  []types.Message
}

// Text returns the concatenated content of msgs.
func Text(msgs []types.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

type Score struct {
	Value  float64 `json:"value"`
	Reason string  `json:"reason,omitempty"`
}

type Scorer interface {
	Score(ctx context.Context, in ScorerInput) (Score, error)
}

type ScorerFunc func(ctx context.Context, in ScorerInput) (Score, error)

func (f ScorerFunc) Score(ctx context.Context, in ScorerInput) (Score, error) {
	if f == nil {
		return Score{}, fmt.Errorf("nil scorer")
	}
	return f(ctx, in)
}

type Registry struct {
	mu      sync.RWMutex
	scorers map[string]Scorer
}

func NewRegistry() *Registry {
	return &Registry{scorers: map[string]Scorer{}}
}

// DefaultRegistry returns a registry holding the built-in scorers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(CompletenessName, Completeness())
	_ = r.Register(KeywordCoverageName, KeywordCoverage())
	_ = r.Register(JSONValidityName, JSONValidity())
	return r
}

func (r *Registry) Register(name string, scorer Scorer) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("scorer name is required")
	}
	if scorer == nil {
		return fmt.Errorf("scorer %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[name] = scorer
	return nil
}

// Lookup resolves names to scorers. Unknown names are returned separately
// so the caller can log them.
func (r *Registry) Lookup(names []string) (map[string]Scorer, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found := make(map[string]Scorer, len(names))
	var missing []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if s, ok := r.scorers[name]; ok {
			found[name] = s
			continue
		}
		missing = append(missing, name)
	}
	return found, missing
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scorers))
	for name := range r.scorers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

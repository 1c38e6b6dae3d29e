package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

type RunRecord struct {
	RunID           string                 `json:"runId"`
	AgentID         string                 `json:"agentId"`
	Source          types.Source           `json:"source"`
	ResourceID      string                 `json:"resourceId,omitempty"`
	ThreadID        string                 `json:"threadId,omitempty"`
	Provider        string                 `json:"provider"`
	Model           string                 `json:"model,omitempty"`
	Status          types.RunStatus        `json:"status"`
	Input           string                 `json:"input"`
	Output          string                 `json:"output"`
	Usage           *types.Usage           `json:"usage,omitempty"`
	Cost            *types.Cost            `json:"cost,omitempty"`
	Timeline        []types.ExecutionStep  `json:"timeline,omitempty"`
	ToolInvocations []types.ToolInvocation `json:"toolInvocations,omitempty"`
	Error           *types.RunError        `json:"error,omitempty"`
	Metadata        map[string]any         `json:"metadata,omitempty"`
	CreatedAt       *time.Time             `json:"createdAt,omitempty"`
	UpdatedAt       *time.Time             `json:"updatedAt,omitempty"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
}

// Normalize validates required fields and fills defaults shared by every
// backend.
func (r *RunRecord) Normalize(now time.Time) error {
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("run_id is required")
	}
	if strings.TrimSpace(r.AgentID) == "" {
		return fmt.Errorf("agent_id is required")
	}
	if r.Provider == "" {
		r.Provider = "unknown"
	}
	if r.Source == "" {
		r.Source = types.SourceProduction
	}
	if r.Status == "" {
		r.Status = types.RunStatusStarted
	}
	if r.CreatedAt == nil {
		r.CreatedAt = &now
	}
	if r.UpdatedAt == nil {
		r.UpdatedAt = &now
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	return nil
}

type EvaluationRecord struct {
	RunID     string             `json:"runId"`
	AgentID   string             `json:"agentId"`
	Scores    map[string]float64 `json:"scores"`
	Reasons   map[string]string  `json:"reasons,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

func (e *EvaluationRecord) Normalize(now time.Time) error {
	if strings.TrimSpace(e.RunID) == "" {
		return fmt.Errorf("run_id is required")
	}
	if len(e.Scores) == 0 {
		return fmt.Errorf("evaluation for run %s has no scores", e.RunID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	return nil
}

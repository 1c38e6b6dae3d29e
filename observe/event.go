package observe

import "time"

// Kind groups events by the part of a run they describe.
type Kind string

type Status string

const (
	KindRun  Kind = "run"
	KindTool Kind = "tool"
	// KindEvaluation events come from the scorer dispatcher after a run
	// completes: one per finished evaluation, one per failed scorer.
	KindEvaluation Kind = "evaluation"
	// KindPersistence events report a store write that failed after
	// retries. A failed terminal write leaves the run in limbo.
	KindPersistence Kind = "persistence"
	KindCustom      Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusUnmatched marks a tool result or call that never found its pair.
	StatusUnmatched Status = "unmatched"
)

type Event struct {
	ID           string         `json:"id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	RunID        string         `json:"runId,omitempty"`
	AgentID      string         `json:"agentId,omitempty"`
	ThreadID     string         `json:"threadId,omitempty"`
	SpanID       string         `json:"spanId,omitempty"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status,omitempty"`
	Name         string         `json:"name,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	ToolName     string         `json:"toolName,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}

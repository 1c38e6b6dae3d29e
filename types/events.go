package types

import "time"

type EventType string

const (
	EventRunStarted       EventType = "run.started"
	EventRunStreaming     EventType = "run.streaming"
	EventToolCompleted    EventType = "run.tool_completed"
	EventToolFailed       EventType = "run.tool_failed"
	EventToolUnmatched    EventType = "run.tool_unmatched"
	EventRunCompleted     EventType = "run.completed"
	EventRunFailed        EventType = "run.failed"
	EventPersistFailed    EventType = "run.persist_failed"
	EventEvalCompleted    EventType = "eval.completed"
	EventEvalScorerFailed EventType = "eval.scorer_failed"
)

// Event is a lifecycle notification emitted while a run is recorded.
type Event struct {
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	RunID      string    `json:"runId,omitempty"`
	AgentID    string    `json:"agentId,omitempty"`
	ThreadID   string    `json:"threadId,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	ToolName   string    `json:"toolName,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`
	Scorer     string    `json:"scorer,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
}

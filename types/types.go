package types

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
}

type RunStatus string

const (
	RunStatusStarted   RunStatus = "started"
	RunStatusStreaming RunStatus = "streaming"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

type Source string

const (
	SourceProduction Source = "production"
	SourceTest       Source = "test"
)

// UsageSource records where token counts came from. Cost audits treat
// estimated counts differently from provider-reported ones.
type UsageSource string

const (
	UsageFromProvider UsageSource = "provider"
	// UsageEstimated marks a 70/30 prompt/completion split derived from a
	// reported total. It is a heuristic, not a measurement.
	UsageEstimated   UsageSource = "estimated"
	UsageUnavailable UsageSource = "unavailable"
)

type Usage struct {
	PromptTokens     int         `json:"promptTokens"`
	CompletionTokens int         `json:"completionTokens"`
	TotalTokens      int         `json:"totalTokens"`
	Source           UsageSource `json:"source"`
}

type Cost struct {
	Provider  string  `json:"provider,omitempty"`
	Model     string  `json:"model,omitempty"`
	USD       float64 `json:"usd"`
	Estimated bool    `json:"estimated,omitempty"`
}

type MatchState string

const (
	MatchMatched MatchState = "matched"
	// MatchOrphanedCall is a call whose result never arrived before the stream ended.
	MatchOrphanedCall MatchState = "orphaned_call"
	// MatchUnmatchedResult is a result that arrived with no registered call.
	MatchUnmatchedResult MatchState = "unmatched_result"
	// MatchDuplicateResult is a second result for a call id that already resolved.
	MatchDuplicateResult MatchState = "duplicate_result"
)

type ToolInvocation struct {
	CallID     string          `json:"callId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	DurationMs *int64          `json:"durationMs,omitempty"`
	Match      MatchState      `json:"match"`
}

func (t ToolInvocation) Unresolved() bool {
	return t.DurationMs == nil
}

type StepKind string

const (
	StepThinking   StepKind = "thinking"
	StepToolCall   StepKind = "tool_call"
	StepToolResult StepKind = "tool_result"
	StepResponse   StepKind = "response"
)

type ExecutionStep struct {
	Seq        int       `json:"seq"`
	Kind       StepKind  `json:"kind"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs *int64    `json:"durationMs,omitempty"`
}

type ErrorKind string

const (
	ErrorKindStream             ErrorKind = "stream"
	ErrorKindClientDisconnected ErrorKind = "client_disconnected"
	ErrorKindAgentResolution    ErrorKind = "agent_resolution"
	ErrorKindPersistence        ErrorKind = "persistence"
	ErrorKindInternal           ErrorKind = "internal"
)

type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *RunError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

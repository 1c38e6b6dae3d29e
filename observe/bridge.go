package observe

import (
	"fmt"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

// FromLifecycleEvent maps a recorder lifecycle event onto the trace model.
// Tool and evaluation spans are parented to their run span.
func FromLifecycleEvent(in types.Event) Event {
	e := Event{
		Timestamp:  in.Timestamp,
		RunID:      in.RunID,
		AgentID:    in.AgentID,
		ThreadID:   in.ThreadID,
		Provider:   in.Provider,
		ToolName:   in.ToolName,
		Message:    in.Message,
		Error:      in.Error,
		DurationMs: in.DurationMs,
		Name:       string(in.Type),
		Attributes: map[string]any{
			"eventType": string(in.Type),
		},
	}
	if in.ToolCallID != "" {
		e.Attributes["toolCallId"] = in.ToolCallID
	}
	if in.Scorer != "" {
		e.Attributes["scorer"] = in.Scorer
	}

	switch in.Type {
	case types.EventRunStarted:
		e.Kind, e.Status = KindRun, StatusStarted
	case types.EventRunStreaming:
		e.Kind, e.Status = KindRun, StatusStreaming
	case types.EventRunCompleted:
		e.Kind, e.Status = KindRun, StatusCompleted
	case types.EventRunFailed:
		e.Kind, e.Status = KindRun, StatusFailed
	case types.EventToolCompleted:
		e.Kind, e.Status = KindTool, StatusCompleted
	case types.EventToolFailed:
		e.Kind, e.Status = KindTool, StatusFailed
	case types.EventToolUnmatched:
		e.Kind, e.Status = KindTool, StatusUnmatched
	case types.EventPersistFailed:
		e.Kind, e.Status = KindPersistence, StatusFailed
	case types.EventEvalCompleted:
		e.Kind, e.Status = KindEvaluation, StatusCompleted
	case types.EventEvalScorerFailed:
		e.Kind, e.Status = KindEvaluation, StatusFailed
	default:
		e.Kind, e.Status = KindCustom, StatusCompleted
	}

	e.SpanID = spanIDFor(in, e.Kind)
	if e.SpanID != "" && e.SpanID != in.RunID {
		e.ParentSpanID = in.RunID
	}
	e.Normalize()
	return e
}

func spanIDFor(in types.Event, kind Kind) string {
	if in.RunID == "" {
		return ""
	}
	switch kind {
	case KindTool:
		if in.ToolCallID != "" {
			return fmt.Sprintf("%s:tool:%s", in.RunID, in.ToolCallID)
		}
		return fmt.Sprintf("%s:tool:%s", in.RunID, in.ToolName)
	case KindEvaluation:
		if in.Scorer != "" {
			return fmt.Sprintf("%s:eval:%s", in.RunID, in.Scorer)
		}
		return in.RunID + ":eval"
	case KindPersistence:
		return in.RunID + ":persist"
	default:
		return in.RunID
	}
}

// Package timeline builds the ordered, bounded execution trace of a run.
package timeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

const TruncatedMarker = "…[truncated]"

const (
	MaxToolContent     = 500
	MaxThinkingContent = 500
	MaxResponseContent = 1000
)

// Builder is not safe for concurrent use; one run task owns it.
type Builder struct {
	steps []types.ExecutionStep
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Append assigns the next sequence number and stores the step with its
// content bounded for kind.
func (b *Builder) Append(kind types.StepKind, content string, ts time.Time, duration *time.Duration) types.ExecutionStep {
	step := types.ExecutionStep{
		Seq:       len(b.steps) + 1,
		Kind:      kind,
		Content:   Truncate(content, limitFor(kind)),
		Timestamp: ts,
	}
	if duration != nil {
		ms := duration.Milliseconds()
		step.DurationMs = &ms
	}
	b.steps = append(b.steps, step)
	return step
}

func (b *Builder) Len() int {
	return len(b.steps)
}

// Steps returns a copy of the timeline in sequence order.
func (b *Builder) Steps() []types.ExecutionStep {
	out := make([]types.ExecutionStep, len(b.steps))
	copy(out, b.steps)
	return out
}

func limitFor(kind types.StepKind) int {
	switch kind {
	case types.StepResponse:
		return MaxResponseContent
	case types.StepThinking:
		return MaxThinkingContent
	default:
		return MaxToolContent
	}
}

// Truncate bounds s to limit runes, marker included.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep := limit - utf8.RuneCountInString(TruncatedMarker)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	return string(runes[:keep]) + TruncatedMarker
}

func FormatToolCall(toolName string, args json.RawMessage) string {
	name := strings.TrimSpace(toolName)
	if name == "" {
		name = "unknown"
	}
	compact := compactJSON(args)
	if compact == "" {
		return fmt.Sprintf("call %s()", name)
	}
	return fmt.Sprintf("call %s(%s)", name, Truncate(compact, MaxToolContent))
}

func FormatToolResult(inv types.ToolInvocation) string {
	name := strings.TrimSpace(inv.ToolName)
	if name == "" {
		name = "unknown"
	}
	var b strings.Builder
	b.WriteString(name)
	switch inv.Match {
	case types.MatchUnmatchedResult:
		b.WriteString(" [unmatched]")
	case types.MatchDuplicateResult:
		b.WriteString(" [duplicate]")
	}
	if !inv.Success {
		b.WriteString(" failed")
		if inv.Error != "" {
			b.WriteString(": ")
			b.WriteString(inv.Error)
		}
		return Truncate(b.String(), MaxToolContent)
	}
	b.WriteString(" -> ")
	if out := compactJSON(inv.Output); out != "" {
		b.WriteString(out)
	} else {
		b.WriteString("(no output)")
	}
	return Truncate(b.String(), MaxToolContent)
}

// compactJSON renders JSON strings unquoted and everything else compacted.
func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if err := enc.Encode(v); err != nil {
		return string(raw)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Package otel bridges observe.Sink to OpenTelemetry tracing so recorded
// runs, tool invocations and evaluations show up in any OTel backend.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/agent-recorder/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/agent-recorder"

// Sink implements observe.Sink by emitting one span per event.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	startTime := event.Timestamp
	if event.DurationMs > 0 {
		// Lifecycle events arrive at completion; back-date the span start.
		startTime = startTime.Add(-time.Duration(event.DurationMs) * time.Millisecond)
	}
	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(startTime))

	span.SetAttributes(attributesFor(event)...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(errors.New(event.Error))
		}
	case observe.StatusUnmatched:
		span.SetStatus(codes.Error, "unmatched tool invocation")
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(event.Timestamp))
	return nil
}

// attributesFor flattens an event into span attributes. Empty fields are
// skipped; free-form attributes keep their numeric and boolean types.
func attributesFor(event observe.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("agent.event.kind", string(event.Kind))}
	for _, f := range []struct{ key, value string }{
		{"agent.run.id", event.RunID},
		{"agent.id", event.AgentID},
		{"agent.thread.id", event.ThreadID},
		{"agent.span.id", event.SpanID},
		{"agent.parent_span.id", event.ParentSpanID},
		{"agent.provider", event.Provider},
		{"agent.tool.name", event.ToolName},
		{"agent.event.name", event.Name},
		{"agent.status", string(event.Status)},
		{"agent.message", truncate(event.Message, 1024)},
	} {
		if f.value != "" {
			attrs = append(attrs, attribute.String(f.key, f.value))
		}
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("agent.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, typedAttribute("agent.attr."+k, v))
	}
	return attrs
}

func typedAttribute(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	case []string:
		return attribute.StringSlice(key, val)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindRun:
		return "agent.run"
	case observe.KindTool:
		if event.ToolName != "" {
			return "agent.tool." + event.ToolName
		}
		return "agent.tool.call"
	case observe.KindEvaluation:
		if scorer, ok := event.Attributes["scorer"].(string); ok && scorer != "" {
			return "agent.eval." + scorer
		}
		return "agent.eval"
	case observe.KindPersistence:
		return "agent.persist"
	default:
		if event.Name != "" {
			return "agent." + event.Name
		}
		return "agent.event"
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "…"
}

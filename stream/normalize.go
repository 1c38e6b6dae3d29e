package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/buger/jsonparser"
)

// Field candidates, in priority order. The first present, non-empty value wins.
var (
	typeFields = [][]string{{"type"}, {"event"}, {"kind"}}

	textFields = [][]string{
		{"payload", "text"},
		{"textDelta"},
		{"text"},
		{"delta", "text"},
		{"delta"},
		{"payload", "textDelta"},
		{"content"},
	}
	toolNameFields = [][]string{
		{"payload", "toolName"},
		{"toolName"},
		{"tool_name"},
		{"name"},
		{"payload", "name"},
		{"tool", "name"},
	}
	callIDFields = [][]string{
		{"payload", "toolCallId"},
		{"toolCallId"},
		{"tool_call_id"},
		{"callId"},
		{"tool_use_id"},
		{"id"},
		{"payload", "id"},
	}
	argsFields = [][]string{
		{"payload", "args"},
		{"args"},
		{"input"},
		{"arguments"},
		{"payload", "input"},
	}
	resultFields = [][]string{
		{"payload", "result"},
		{"result"},
		{"output"},
		{"content"},
		{"payload", "output"},
	}
	errorFields = [][]string{
		{"payload", "error", "message"},
		{"payload", "error"},
		{"error", "message"},
		{"error"},
		{"errorText"},
		{"errorMessage"},
	}
	isErrorFields = [][]string{
		{"payload", "isError"},
		{"isError"},
		{"is_error"},
	}
)

var typeKinds = map[string]Kind{
	"text-delta":                 KindTextDelta,
	"text_delta":                 KindTextDelta,
	"text":                       KindTextDelta,
	"content_block_delta":        KindTextDelta,
	"response.output_text.delta": KindTextDelta,
	"tool-call":                  KindToolCall,
	"tool_call":                  KindToolCall,
	"tool_use":                   KindToolCall,
	"function_call":              KindToolCall,
	"tool-result":                KindToolResult,
	"tool_result":                KindToolResult,
	"tool-error":                 KindToolResult,
	"function_call_output":       KindToolResult,
}

// Normalizer maps raw events to canonical Events. It keeps a counter for
// synthesized call ids and per-kind stats, so it is owned by a single run.
type Normalizer struct {
	now   func() time.Time
	seq   uint64
	stats Stats
}

type NormalizerOption func(*Normalizer)

func WithClock(now func() time.Time) NormalizerOption {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize never panics; malformed input degrades to KindOther.
func (n *Normalizer) Normalize(raw Raw) (ev Event) {
	n.stats.Raw++
	defer func() {
		if r := recover(); r != nil {
			n.stats.Recovered++
			ev = Event{Kind: KindOther, Raw: raw}
		}
		n.count(ev)
	}()

	ev = Event{Kind: KindOther, Raw: raw}
	if len(raw) == 0 {
		return ev
	}
	data := []byte(raw)
	ev.Type = firstString(data, typeFields)
	kind, ok := typeKinds[strings.ToLower(ev.Type)]
	if !ok {
		return ev
	}

	switch kind {
	case KindTextDelta:
		ev.Kind = KindTextDelta
		ev.Text = firstString(data, textFields)
	case KindToolCall:
		ev.Kind = KindToolCall
		ev.ToolName = firstString(data, toolNameFields)
		ev.Args = firstRaw(data, argsFields)
		n.resolveCallID(data, &ev)
	case KindToolResult:
		ev.Kind = KindToolResult
		ev.ToolName = firstString(data, toolNameFields)
		ev.Result = firstRaw(data, resultFields)
		ev.Error = firstErrorText(data)
		ev.IsError = firstBool(data, isErrorFields) || ev.Error != "" || strings.EqualFold(ev.Type, "tool-error")
		n.resolveCallID(data, &ev)
	}
	return ev
}

func (n *Normalizer) Stats() Stats {
	return n.stats
}

func (n *Normalizer) count(ev Event) {
	switch ev.Kind {
	case KindTextDelta:
		n.stats.TextDeltas++
	case KindToolCall:
		n.stats.ToolCalls++
	case KindToolResult:
		n.stats.ToolResults++
	default:
		n.stats.Other++
	}
	if ev.SyntheticID {
		n.stats.Synthesized++
	}
}

func (n *Normalizer) resolveCallID(data []byte, ev *Event) {
	ev.CallID = firstString(data, callIDFields)
	if ev.CallID != "" {
		return
	}
	n.seq++
	ev.CallID = fmt.Sprintf("call_%d_%d", n.seq, n.now().UnixNano())
	ev.SyntheticID = true
}

func firstString(data []byte, candidates [][]string) string {
	for _, path := range candidates {
		value, vt, _, err := jsonparser.Get(data, path...)
		if err != nil {
			continue
		}
		var s string
		switch vt {
		case jsonparser.String:
			s, err = jsonparser.ParseString(value)
			if err != nil {
				continue
			}
		case jsonparser.Number:
			s = string(value)
		default:
			continue
		}
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func firstRaw(data []byte, candidates [][]string) json.RawMessage {
	for _, path := range candidates {
		value, vt, _, err := jsonparser.Get(data, path...)
		if err != nil || vt == jsonparser.Null || vt == jsonparser.NotExist {
			continue
		}
		if vt == jsonparser.String {
			s, err := jsonparser.ParseString(value)
			if err != nil {
				continue
			}
			encoded, err := json.Marshal(s)
			if err != nil {
				continue
			}
			return encoded
		}
		return append(json.RawMessage(nil), value...)
	}
	return nil
}

func firstBool(data []byte, candidates [][]string) bool {
	for _, path := range candidates {
		value, vt, _, err := jsonparser.Get(data, path...)
		if err != nil || vt != jsonparser.Boolean {
			continue
		}
		b, err := jsonparser.ParseBoolean(value)
		if err == nil {
			return b
		}
	}
	return false
}

// firstErrorText accepts string errors, {"message": ...} objects, and as a
// last resort the raw JSON of any other non-null error value.
func firstErrorText(data []byte) string {
	if s := firstString(data, errorFields); s != "" {
		return s
	}
	for _, path := range errorFields {
		value, vt, _, err := jsonparser.Get(data, path...)
		if err != nil {
			continue
		}
		if vt == jsonparser.Object || vt == jsonparser.Array {
			return string(value)
		}
	}
	return ""
}

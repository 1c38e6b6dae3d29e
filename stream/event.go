// Package stream normalizes the weakly-typed event stream produced by an
// agent execution into a small canonical union.
//
// Upstream payloads vary by event kind and by upstream version: the same
// value may live at the top level, under "payload", or under a different
// name. All of that "which field to read" logic stays inside this package;
// callers only ever see an Event.
package stream

import (
	"encoding/json"
)

type Kind string

const (
	KindTextDelta  Kind = "text_delta"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	// KindOther covers unrecognized or malformed events. Callers treat it as
	// a no-op for correlation.
	KindOther Kind = "other"
)

// Raw is one untyped upstream event, encoded as JSON.
type Raw []byte

// FromMap encodes an untyped record. Unencodable input yields an empty Raw,
// which normalizes to KindOther.
func FromMap(m map[string]any) Raw {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return Raw(b)
}

// Event is the canonical form of one upstream event. Only the fields of
// the variant named by Kind are meaningful.
type Event struct {
	Kind Kind
	// Type is the upstream discriminator as read, for diagnostics.
	Type string

	// KindTextDelta
	Text string

	// KindToolCall, KindToolResult
	CallID      string
	SyntheticID bool
	ToolName    string
	Args        json.RawMessage
	Result      json.RawMessage
	Error       string
	IsError     bool

	Raw Raw
}

// HasDelta reports whether a text event carries text to forward.
func (e Event) HasDelta() bool {
	return e.Kind == KindTextDelta && e.Text != ""
}

// Stats counts normalized events by kind.
type Stats struct {
	Raw         int `json:"raw"`
	TextDeltas  int `json:"textDeltas"`
	ToolCalls   int `json:"toolCalls"`
	ToolResults int `json:"toolResults"`
	Other       int `json:"other"`
	Synthesized int `json:"synthesizedIds"`
	Recovered   int `json:"recovered"`
}

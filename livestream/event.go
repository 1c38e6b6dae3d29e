// Package livestream delivers a run's text to the waiting client as a
// sequence of small JSON events.
package livestream

import (
	"context"
	"errors"
)

type EventType string

const (
	TypeTextStart   EventType = "text-start"
	TypeTextDelta   EventType = "text-delta"
	TypeRunMetadata EventType = "data-run-metadata"
	TypeTextEnd     EventType = "text-end"
	TypeError       EventType = "error"
)

// ErrClosed is returned by writers whose client has gone away.
var ErrClosed = errors.New("livestream: writer closed")

type RunMetadata struct {
	RunID string `json:"runId"`
}

type Event struct {
	Type      EventType    `json:"type"`
	ID        string       `json:"id,omitempty"`
	Delta     string       `json:"delta,omitempty"`
	Data      *RunMetadata `json:"data,omitempty"`
	ErrorText string       `json:"errorText,omitempty"`
}

func TextStart(id string) Event { return Event{Type: TypeTextStart, ID: id} }

func TextDelta(id, delta string) Event { return Event{Type: TypeTextDelta, ID: id, Delta: delta} }

func TextEnd(id string) Event { return Event{Type: TypeTextEnd, ID: id} }

func RunMetadataEvent(runID string) Event {
	return Event{Type: TypeRunMetadata, Data: &RunMetadata{RunID: runID}}
}

func Error(text string) Event { return Event{Type: TypeError, ErrorText: text} }

// Writer sends one event to the client. A non-nil error means the client
// can no longer be reached.
type Writer interface {
	Write(ctx context.Context, event Event) error
}

type WriterFunc func(ctx context.Context, event Event) error

func (f WriterFunc) Write(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// Discard accepts and drops every event.
var Discard Writer = WriterFunc(func(context.Context, Event) error { return nil })

package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/PipeOpsHQ/agent-recorder/usage"
)

// Source is an upstream event sequence. Next returns io.EOF at the normal
// end of the stream; any other error is a stream failure. Usage is
// meaningful once Next has returned io.EOF and is nil when the upstream
// never reported usage.
type Source interface {
	Next(ctx context.Context) (Raw, error)
	Usage() *usage.Raw
}

var (
	promptFields = [][]string{
		{"usage", "promptTokens"},
		{"usage", "prompt_tokens"},
		{"usage", "inputTokens"},
		{"usage", "input_tokens"},
	}
	completionFields = [][]string{
		{"usage", "completionTokens"},
		{"usage", "completion_tokens"},
		{"usage", "outputTokens"},
		{"usage", "output_tokens"},
	}
	totalFields = [][]string{
		{"usage", "totalTokens"},
		{"usage", "total_tokens"},
	}
)

// ParseUsage extracts a "usage" object from a raw event. ok is false when
// the event carries no usage object at all.
func ParseUsage(raw Raw) (u *usage.Raw, ok bool) {
	if _, vt, _, err := jsonparser.Get(raw, "usage"); err != nil || vt != jsonparser.Object {
		return nil, false
	}
	return &usage.Raw{
		PromptTokens:     firstInt(raw, promptFields),
		CompletionTokens: firstInt(raw, completionFields),
		TotalTokens:      firstInt(raw, totalFields),
	}, true
}

func firstInt(data []byte, candidates [][]string) *int {
	for _, path := range candidates {
		value, vt, _, err := jsonparser.Get(data, path...)
		if err != nil || vt != jsonparser.Number {
			continue
		}
		n, err := strconv.ParseFloat(string(value), 64)
		if err != nil {
			continue
		}
		i := int(n)
		return &i
	}
	return nil
}

// SliceSource replays a fixed list of events. If Err is set it is returned
// after the events instead of io.EOF.
type SliceSource struct {
	Events     []Raw
	FinalUsage *usage.Raw
	Err        error

	pos int
}

func NewSliceSource(events []Raw, finalUsage *usage.Raw) *SliceSource {
	return &SliceSource{Events: events, FinalUsage: finalUsage}
}

func (s *SliceSource) Next(ctx context.Context) (Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos < len(s.Events) {
		ev := s.Events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, io.EOF
}

func (s *SliceSource) Usage() *usage.Raw {
	return s.FinalUsage
}

// Item is one message on a ChannelSource: an event, a usage report, or a
// stream error.
type Item struct {
	Event Raw
	Usage *usage.Raw
	Err   error
}

// ChannelSource adapts a producer goroutine. Closing the channel ends the
// stream normally.
type ChannelSource struct {
	items <-chan Item
	usage *usage.Raw
}

func NewChannelSource(items <-chan Item) *ChannelSource {
	return &ChannelSource{items: items}
}

func (s *ChannelSource) Next(ctx context.Context) (Raw, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case item, ok := <-s.items:
			if !ok {
				return nil, io.EOF
			}
			if item.Err != nil {
				return nil, item.Err
			}
			if item.Usage != nil {
				s.usage = item.Usage
			}
			if len(item.Event) == 0 {
				continue
			}
			return item.Event, nil
		}
	}
}

func (s *ChannelSource) Usage() *usage.Raw {
	return s.usage
}

// ErrUpstream wraps an error event found in a recorded stream.
var ErrUpstream = errors.New("upstream stream error")

const maxLineSize = 4 * 1024 * 1024

// JSONLSource reads one raw event per line. Lines of type "finish" or
// "step-finish" carrying a usage object are consumed as usage reports; the
// last one wins. A line of type "error" ends the stream with ErrUpstream.
type JSONLSource struct {
	scanner *bufio.Scanner
	usage   *usage.Raw
}

func NewJSONLSource(r io.Reader) *JSONLSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &JSONLSource{scanner: scanner}
}

func (s *JSONLSource) Next(ctx context.Context) (Raw, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read event stream: %w", err)
			}
			return nil, io.EOF
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		raw := Raw(line)
		switch strings.ToLower(firstString(raw, typeFields)) {
		case "finish", "step-finish":
			if u, ok := ParseUsage(raw); ok {
				s.usage = u
			}
			continue
		case "error":
			msg := firstErrorText(raw)
			if msg == "" {
				msg = "unknown error"
			}
			return nil, fmt.Errorf("%w: %s", ErrUpstream, msg)
		}
		return raw, nil
	}
}

func (s *JSONLSource) Usage() *usage.Raw {
	return s.usage
}

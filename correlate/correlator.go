// Package correlate pairs tool-call events with their tool-result events.
package correlate

import (
	"encoding/json"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

type pendingCall struct {
	toolName  string
	args      json.RawMessage
	startedAt time.Time
}

// Correlator is owned by the single task processing one run and is not
// safe for concurrent use. Every call and every result ends up in exactly
// one ToolInvocation; nothing is dropped.
type Correlator struct {
	now      func() time.Time
	pending  *orderedmap.OrderedMap[string, pendingCall]
	resolved map[string]struct{}
	// calls displaced by a re-registered id, held for Flush
	displaced []types.ToolInvocation
}

type Option func(*Correlator)

func WithClock(now func() time.Time) Option {
	return func(c *Correlator) {
		if now != nil {
			c.now = now
		}
	}
}

func New(opts ...Option) *Correlator {
	c := &Correlator{
		now:      time.Now,
		pending:  orderedmap.New[string, pendingCall](),
		resolved: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register records an in-flight call. Registering an id that is still
// pending replaces the entry and restarts its clock; the replaced call is
// kept as an orphan and returned by Flush.
func (c *Correlator) Register(callID, toolName string, args json.RawMessage) {
	if prev, ok := c.pending.Delete(callID); ok {
		c.displaced = append(c.displaced, orphan(callID, prev))
	}
	c.pending.Set(callID, pendingCall{
		toolName:  toolName,
		args:      args,
		startedAt: c.now(),
	})
}

// Resolve pairs a result with its call. A result without a pending call is
// returned as an unmatched (or duplicate) invocation with no duration.
func (c *Correlator) Resolve(callID, toolName string, result json.RawMessage, errText string, isError bool) types.ToolInvocation {
	inv := types.ToolInvocation{
		CallID:   callID,
		ToolName: toolName,
		Output:   result,
		Success:  !isError && errText == "",
		Error:    errText,
	}

	call, ok := c.pending.Get(callID)
	if !ok {
		if _, seen := c.resolved[callID]; seen {
			inv.Match = types.MatchDuplicateResult
		} else {
			inv.Match = types.MatchUnmatchedResult
		}
		return inv
	}

	c.pending.Delete(callID)
	c.resolved[callID] = struct{}{}

	started := call.startedAt
	durationMs := c.now().Sub(started).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	if inv.ToolName == "" {
		inv.ToolName = call.toolName
	}
	inv.Args = call.args
	inv.StartedAt = &started
	inv.DurationMs = &durationMs
	inv.Match = types.MatchMatched
	return inv
}

// Pending returns the number of calls awaiting a result.
func (c *Correlator) Pending() int {
	return c.pending.Len()
}

// Flush drains every call that never received a result as orphaned
// invocations: displaced calls first, then pending calls in registration
// order.
func (c *Correlator) Flush() []types.ToolInvocation {
	if c.pending.Len() == 0 && len(c.displaced) == 0 {
		return nil
	}
	out := make([]types.ToolInvocation, 0, len(c.displaced)+c.pending.Len())
	out = append(out, c.displaced...)
	for pair := c.pending.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, orphan(pair.Key, pair.Value))
	}
	c.displaced = nil
	c.pending = orderedmap.New[string, pendingCall]()
	return out
}

func orphan(callID string, call pendingCall) types.ToolInvocation {
	started := call.startedAt
	return types.ToolInvocation{
		CallID:    callID,
		ToolName:  call.toolName,
		Args:      call.args,
		StartedAt: &started,
		Match:     types.MatchOrphanedCall,
	}
}

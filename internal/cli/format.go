package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/PipeOpsHQ/agent-recorder/types"
)

func formatUsage(u *types.Usage) string {
	if u == nil {
		return "-"
	}
	switch u.Source {
	case types.UsageUnavailable:
		return "unavailable"
	case types.UsageEstimated:
		return fmt.Sprintf("%s tokens (prompt %s / completion %s, estimated by 70/30 heuristic)",
			humanize.Comma(int64(u.TotalTokens)), humanize.Comma(int64(u.PromptTokens)), humanize.Comma(int64(u.CompletionTokens)))
	default:
		return fmt.Sprintf("%s tokens (prompt %s / completion %s)",
			humanize.Comma(int64(u.TotalTokens)), humanize.Comma(int64(u.PromptTokens)), humanize.Comma(int64(u.CompletionTokens)))
	}
}

func formatCost(c *types.Cost) string {
	if c == nil {
		return "-"
	}
	s := "$" + humanize.CommafWithDigits(c.USD, 6)
	if c.Estimated {
		s += " (estimated)"
	}
	return s
}

func formatWhen(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}

func formatDurationMs(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

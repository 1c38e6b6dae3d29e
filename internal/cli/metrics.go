package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/agent-recorder/observe/store"
)

func newMetricsCmd(a *app) *cobra.Command {
	var (
		since   time.Duration
		agentID string
		asJSON  bool
	)
	cmd := silenceUsageAndErrors(&cobra.Command{
		Use:   "metrics",
		Short: "Aggregate recorded lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			traces, err := a.openTraces()
			if err != nil {
				return err
			}
			query := store.MetricsQuery{AgentID: agentID}
			if since > 0 {
				from := time.Now().Add(-since).UTC()
				query.Since = &from
			}
			m, err := traces.AggregateMetrics(cmd.Context(), query)
			if err != nil {
				return fmt.Errorf("aggregate metrics: %w", err)
			}
			if asJSON {
				data, err := json.MarshalIndent(m, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, string(data))
				return nil
			}
			rows := []struct {
				label string
				value int64
			}{
				{"runs started", m.RunsStarted},
				{"runs completed", m.RunsCompleted},
				{"runs failed", m.RunsFailed},
				{"tool calls", m.ToolCalls},
				{"tool failures", m.ToolFailures},
				{"tools unmatched", m.ToolsUnmatched},
				{"evaluations", m.Evaluations},
				{"scorer failures", m.ScorerFailures},
				{"persistence failures", m.PersistenceFailures},
			}
			for _, row := range rows {
				fmt.Fprintf(a.stdout, "%-22s %s\n", row.label, humanize.Comma(row.value))
			}
			return nil
		},
	})
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 24h)")
	cmd.Flags().StringVar(&agentID, "agent", "", "only events of this agent")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

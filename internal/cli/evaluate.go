package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/agent-recorder/evaluation"
	"github.com/PipeOpsHQ/agent-recorder/state"
)

const schemaScorerName = "json_schema"

func newEvaluateCmd(a *app) *cobra.Command {
	var (
		query   state.ListRunsQuery
		scorers string
		schema  string
		workers int
		asJSON  bool
	)
	cmd := silenceUsageAndErrors(&cobra.Command{
		Use:   "evaluate",
		Short: "Score stored completed runs, overwriting earlier scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			registry := evaluation.DefaultRegistry()
			names := splitCSV(scorers)
			if schema != "" {
				raw, err := os.ReadFile(schema)
				if err != nil {
					return fmt.Errorf("read schema: %w", err)
				}
				scorer, err := evaluation.NewJSONSchemaScorer(raw)
				if err != nil {
					return err
				}
				if err := registry.Register(schemaScorerName, scorer); err != nil {
					return err
				}
				names = append(names, schemaScorerName)
			}

			disp, err := a.dispatcher(ctx, registry)
			if err != nil {
				return err
			}
			report, err := disp.Backfill(ctx, query, evaluation.BackfillOptions{Scorers: names, Workers: workers})
			if err != nil {
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, string(data))
				return nil
			}
			fmt.Fprintf(a.stdout, "runs       %s\n", humanize.Comma(int64(report.Total)))
			fmt.Fprintf(a.stdout, "evaluated  %s\n", humanize.Comma(int64(report.Evaluated)))
			fmt.Fprintf(a.stdout, "skipped    %s\n", humanize.Comma(int64(report.Skipped)))
			fmt.Fprintf(a.stdout, "failed     %s\n", humanize.Comma(int64(report.Failed)))
			fmt.Fprintf(a.stdout, "took       %s\n", report.CompletedAt.Sub(report.StartedAt))
			ids := make([]string, 0, len(report.Errors))
			for id := range report.Errors {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(a.stdout, "  %s: %s\n", id, report.Errors[id])
			}
			return nil
		},
	})
	cmd.Flags().StringVar(&query.AgentID, "agent", "", "only runs of this agent")
	cmd.Flags().StringVar(&query.ThreadID, "thread", "", "only runs in this thread")
	cmd.Flags().IntVar(&query.Limit, "limit", 0, "maximum runs to score (0 for all)")
	cmd.Flags().StringVar(&scorers, "scorers", "", "comma-separated scorers (default: those recorded with each run)")
	cmd.Flags().StringVar(&schema, "schema", "", "JSON schema file; adds the json_schema scorer")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent runs (default: based on CPUs)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

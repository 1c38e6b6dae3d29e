package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/agent-recorder/state"
	"github.com/PipeOpsHQ/agent-recorder/types"
)

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(newRunsListCmd(a))
	cmd.AddCommand(newRunsShowCmd(a))
	return cmd
}

func newRunsListCmd(a *app) *cobra.Command {
	var query state.ListRunsQuery
	var status, source string
	cmd := silenceUsageAndErrors(&cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			query.Status = types.RunStatus(status)
			query.Source = types.Source(source)
			runs, err := store.ListRuns(cmd.Context(), query)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tAGENT\tSTATUS\tSOURCE\tTOKENS\tCOST\tUPDATED")
			for _, run := range runs {
				tokens, cost := "-", "-"
				if run.Usage != nil {
					tokens = fmt.Sprint(run.Usage.TotalTokens)
				}
				if run.Cost != nil {
					cost = formatCost(run.Cost)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					run.RunID, run.AgentID, run.Status, run.Source, tokens, cost, formatWhen(run.UpdatedAt))
			}
			return tw.Flush()
		},
	})
	cmd.Flags().StringVar(&query.AgentID, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&query.ThreadID, "thread", "", "filter by thread id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&source, "source", "", "filter by source")
	cmd.Flags().IntVar(&query.Limit, "limit", 50, "maximum runs to list")
	cmd.Flags().IntVar(&query.Offset, "offset", 0, "runs to skip")
	return cmd
}

func newRunsShowCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := silenceUsageAndErrors(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its timeline, tools, and scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			run, err := store.LoadRun(ctx, args[0])
			if errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}
			var eval *state.EvaluationRecord
			if e, err := store.LoadEvaluation(ctx, run.RunID); err == nil {
				eval = &e
			} else if !errors.Is(err, state.ErrNotFound) {
				return err
			}

			if asJSON {
				out := struct {
					Run        state.RunRecord         `json:"run"`
					Evaluation *state.EvaluationRecord `json:"evaluation,omitempty"`
				}{run, eval}
				data, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, string(data))
				return nil
			}
			printRun(a, run, eval)
			return nil
		},
	})
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printRun(a *app, run state.RunRecord, eval *state.EvaluationRecord) {
	w := a.stdout
	fmt.Fprintf(w, "Run       %s\n", run.RunID)
	fmt.Fprintf(w, "Agent     %s (%s/%s)\n", run.AgentID, run.Provider, run.Model)
	fmt.Fprintf(w, "Status    %s\n", run.Status)
	fmt.Fprintf(w, "Source    %s\n", run.Source)
	if run.ThreadID != "" {
		fmt.Fprintf(w, "Thread    %s\n", run.ThreadID)
	}
	fmt.Fprintf(w, "Created   %s\n", formatWhen(run.CreatedAt))
	if run.CreatedAt != nil && run.CompletedAt != nil {
		fmt.Fprintf(w, "Duration  %s\n", run.CompletedAt.Sub(*run.CreatedAt))
	}
	fmt.Fprintf(w, "Usage     %s\n", formatUsage(run.Usage))
	fmt.Fprintf(w, "Cost      %s\n", formatCost(run.Cost))
	if run.Error != nil {
		fmt.Fprintf(w, "Error     %s\n", run.Error.Error())
	}
	if run.Input != "" {
		fmt.Fprintf(w, "Input     %s\n", oneLine(run.Input, 120))
	}
	if run.Output != "" {
		fmt.Fprintf(w, "Output    %s\n", oneLine(run.Output, 120))
	}

	if len(run.Timeline) > 0 {
		fmt.Fprintln(w, "\nTimeline")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, step := range run.Timeline {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n", step.Seq, step.Kind, formatDurationMs(step.DurationMs), oneLine(step.Content, 100))
		}
		_ = tw.Flush()
	}

	if len(run.ToolInvocations) > 0 {
		fmt.Fprintln(w, "\nTools")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, inv := range run.ToolInvocations {
			outcome := "ok"
			if !inv.Success {
				outcome = "failed"
			}
			if inv.Unresolved() && inv.Match == types.MatchOrphanedCall {
				outcome = "no result"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", inv.CallID, inv.ToolName, inv.Match, outcome, formatDurationMs(inv.DurationMs))
		}
		_ = tw.Flush()
	}

	if eval != nil {
		fmt.Fprintln(w, "\nEvaluation")
		names := make([]string, 0, len(eval.Scores))
		for name := range eval.Scores {
			names = append(names, name)
		}
		sort.Strings(names)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, name := range names {
			fmt.Fprintf(tw, "  %s\t%.2f\t%s\n", name, eval.Scores[name], oneLine(eval.Reasons[name], 80))
		}
		_ = tw.Flush()
	}
}

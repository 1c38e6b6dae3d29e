package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/agent-recorder/evaluation"
	"github.com/PipeOpsHQ/agent-recorder/livestream"
	"github.com/PipeOpsHQ/agent-recorder/runner"
	"github.com/PipeOpsHQ/agent-recorder/stream"
	"github.com/PipeOpsHQ/agent-recorder/types"
)

// replayAgent streams a recorded JSONL event file.
type replayAgent struct {
	info runner.AgentInfo
	data []byte
}

func (r *replayAgent) Stream(context.Context, string, runner.StreamOptions) (stream.Source, error) {
	return stream.NewJSONLSource(bytes.NewReader(r.data)), nil
}

func (r *replayAgent) Memory() runner.Memory { return nil }

func (r *replayAgent) Info() runner.AgentInfo { return r.info }

func newReplayCmd(a *app) *cobra.Command {
	var (
		agentID  string
		provider string
		model    string
		input    string
		runID    string
		threadID string
		source   string
		scorers  string
		quiet    bool
	)
	cmd := silenceUsageAndErrors(&cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Process a recorded event stream as a run and record it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read event file: %w", err)
			}
			agent := &replayAgent{
				info: runner.AgentInfo{ID: agentID, Provider: provider, Model: model, Scorers: splitCSV(scorers)},
				data: data,
			}

			rec, err := a.recorder(ctx)
			if err != nil {
				return err
			}
			disp, err := a.dispatcher(ctx, evaluation.DefaultRegistry())
			if err != nil {
				return err
			}
			coster, err := a.coster()
			if err != nil {
				return err
			}
			r, err := runner.New(runner.NewStaticResolver(agent), rec,
				runner.WithDispatcher(disp),
				runner.WithCoster(coster),
				runner.WithLogger(a.logger),
			)
			if err != nil {
				return err
			}

			out := livestream.WriterFunc(func(_ context.Context, e livestream.Event) error {
				if quiet {
					return nil
				}
				switch e.Type {
				case livestream.TypeTextDelta:
					fmt.Fprint(a.stdout, e.Delta)
				case livestream.TypeTextEnd:
					fmt.Fprintln(a.stdout)
				case livestream.TypeError:
					fmt.Fprintf(a.stdout, "\n[error] %s\n", e.ErrorText)
				}
				return nil
			})

			res, runErr := r.Run(ctx, runner.Request{
				RunID:    runID,
				AgentID:  agentID,
				Input:    input,
				ThreadID: threadID,
				Source:   types.Source(source),
			}, out)
			disp.Wait()

			if res.RunID != "" {
				printRunSummary(a, res)
				if res.Status == types.RunStatusCompleted && len(agent.info.Scorers) > 0 {
					store, err := a.openStore(ctx)
					if err != nil {
						return err
					}
					if eval, err := store.LoadEvaluation(ctx, res.RunID); err == nil {
						names := make([]string, 0, len(eval.Scores))
						for name := range eval.Scores {
							names = append(names, name)
						}
						sort.Strings(names)
						for _, name := range names {
							fmt.Fprintf(a.stdout, "score      %s=%.2f\n", name, eval.Scores[name])
						}
					}
				}
			}
			return runErr
		},
	})
	cmd.Flags().StringVar(&agentID, "agent", "replay", "agent id to record the run under")
	cmd.Flags().StringVar(&provider, "provider", "unknown", "provider name used for pricing")
	cmd.Flags().StringVar(&model, "model", "", "model name used for pricing")
	cmd.Flags().StringVar(&input, "input", "", "input text recorded with the run")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id")
	cmd.Flags().StringVar(&source, "source", string(types.SourceTest), "source classification (production or test)")
	cmd.Flags().StringVar(&scorers, "scorers", "", "comma-separated scorers to run on success")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "do not echo streamed text")
	return cmd
}

func printRunSummary(a *app, res runner.Result) {
	fmt.Fprintf(a.stdout, "run        %s\n", res.RunID)
	fmt.Fprintf(a.stdout, "status     %s\n", res.Status)
	if res.Err != nil {
		fmt.Fprintf(a.stdout, "error      %s\n", res.Err.Error())
	}
	if res.Status == types.RunStatusCompleted {
		fmt.Fprintf(a.stdout, "usage      %s\n", formatUsage(&res.Usage))
		fmt.Fprintf(a.stdout, "cost       %s\n", formatCost(&res.Cost))
	}
	fmt.Fprintf(a.stdout, "tools      %d\n", len(res.ToolInvocations))
	fmt.Fprintf(a.stdout, "steps      %d\n", len(res.Timeline))
}

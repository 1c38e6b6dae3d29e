// Package cli implements the agent-recorder command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// Execute runs the CLI with args and returns the first error.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	executed, err := root.ExecuteContextC(ctx)
	if closeErr := a.close(); err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		maybePrintUsage(executed, root, err)
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	var envFile string

	root := silenceUsageAndErrors(&cobra.Command{
		Use:   "agent-recorder",
		Short: "Record, inspect, and evaluate agent runs.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			return a.configure(files...)
		},
	})
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default .env)")

	root.AddCommand(newReplayCmd(a))
	root.AddCommand(newRunsCmd(a))
	root.AddCommand(newEvaluateCmd(a))
	root.AddCommand(newMetricsCmd(a))
	return root
}

func silenceUsageAndErrors(cmd *cobra.Command) *cobra.Command {
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	return cmd
}

// usageError marks errors caused by bad invocation rather than by the work
// itself.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func maybePrintUsage(cmd, root *cobra.Command, err error) {
	target := cmd
	if target == nil {
		target = root
	}
	var ue usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") ||
		strings.Contains(err.Error(), "accepts") || strings.HasPrefix(err.Error(), "unknown flag") {
		_ = target.Usage()
	}
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"blockci/internal/core"
	"blockci/internal/engine"
)

var errPipelineFailed = errors.New("pipeline failed")

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <pipeline.yml>",
		Short: "Run a pipeline and wait for it to finish",
		Long: "Run a pipeline on the configured workers. Exits 0 when the pipeline succeeds,\n" +
			"1 when it fails or is interrupted and 2 when the definition is rejected.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := core.LoadPipeline(args[0])
			if err != nil {
				return setupError(err)
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			e, err := engine.New(ctx, cfg)
			if err != nil {
				return setupError(err)
			}
			defer e.Close()

			return runOnce(ctx, cmd.OutOrStdout(), e, p)
		},
	}
}

func runOnce(ctx context.Context, out io.Writer, e *engine.Engine, p *core.Pipeline) error {
	res, err := e.Runner.Run(ctx, p)
	if err != nil {
		return setupError(err)
	}
	printResult(out, res)
	if res.Status != core.PipelineSucceeded {
		return &exitError{code: exitFailed, err: errPipelineFailed}
	}
	return nil
}

func printResult(out io.Writer, res *core.PipelineResult) {
	status := string(res.Status)
	if res.Cancelled {
		status += " (cancelled)"
	}
	fmt.Fprintf(out, "pipeline %s run %s: %s\n", res.Pipeline, res.RunID, status)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, j := range res.Jobs {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", j.Job, j.Status, jobDetail(j))
	}
	tw.Flush()
}

func jobDetail(j core.JobResult) string {
	switch {
	case j.Failure != nil:
		d := fmt.Sprintf("%s %q exited %d", j.Failure.Phase, j.Failure.Command, j.Failure.ExitCode)
		if j.Failure.Output != "" {
			d += ", output " + j.Failure.Output
		}
		if j.AllowFailure {
			d += " (allowed)"
		}
		return d
	case j.Status == core.JobSucceeded:
		return "on " + j.Worker
	case j.Error != "":
		return fmt.Sprintf("%s: %s", j.Reason, j.Error)
	}
	return string(j.Reason)
}

package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/golang/glog"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"blockci/internal/core"
	"blockci/internal/engine"
)

func newScheduleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule <cron> <pipeline.yml>",
		Short: "Run a pipeline on a cron schedule until interrupted",
		Example: `  blockci schedule "@every 15m" .gitlab-ci.yml
  blockci schedule "0 3 * * *" nightly.yml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := core.LoadPipeline(args[1])
			if err != nil {
				return setupError(err)
			}
			if _, err := core.Resolve(p); err != nil {
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

			c, err := newSchedule(ctx, args[0], cmd.OutOrStdout(), e, p)
			if err != nil {
				return setupError(err)
			}
			c.Start()
			glog.Infof("pipeline %s scheduled at %q", p.Name(), args[0])

			<-ctx.Done()
			<-c.Stop().Done()
			return nil
		},
	}
}

// newSchedule registers p on a cron schedule. A tick that fires while the
// previous run is still going is skipped.
func newSchedule(ctx context.Context, spec string, out io.Writer, e *engine.Engine, p *core.Pipeline) (*cron.Cron, error) {
	c := cron.New()
	var running atomic.Bool
	_, err := c.AddFunc(spec, func() {
		if !running.CompareAndSwap(false, true) {
			glog.Infof("pipeline %s is still running, skipping this trigger", p.Name())
			return
		}
		defer running.Store(false)

		if ctx.Err() != nil {
			return
		}
		res, err := e.Runner.Run(ctx, p)
		if err != nil {
			glog.Errorf("pipeline %s rejected: %v", p.Name(), err)
			return
		}
		printResult(out, res)
		// readmit workers lost to infrastructure failures before the next tick
		e.ProbeOffline(ctx)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

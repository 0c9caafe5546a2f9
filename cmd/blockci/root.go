package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"blockci/internal/config"
)

// Exit codes.
const (
	exitOK         = 0
	exitFailed     = 1 // the pipeline ran and did not succeed
	exitDefinition = 2 // the pipeline or the environment was rejected before any job ran
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func setupError(err error) error {
	return &exitError{code: exitDefinition, err: err}
}

type options struct {
	configPath string
}

func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, setupError(err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "blockci",
		Short:         "Run CI pipelines against a pool of tagged workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("BLOCKCI_CONFIG"), "Path to blockci.yaml (default built-in local worker)")
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	root.AddCommand(
		newRunCmd(opts),
		newValidateCmd(),
		newGraphCmd(),
		newScheduleCmd(opts),
		newSubmitCmd(),
		newRunsCmd(opts),
		newLedgerCmd(opts),
	)
	return root
}

func main() {
	code := execute(newRootCmd(), os.Args[1:])
	glog.Flush()
	os.Exit(code)
}

func execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && !errors.Is(ee.err, errPipelineFailed) {
			fmt.Fprintln(root.ErrOrStderr(), "error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(root.ErrOrStderr(), "error:", err)
	return exitDefinition
}

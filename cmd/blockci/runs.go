package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"blockci/internal/store"
)

func newRunsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the history of pipeline runs",
	}
	cmd.AddCommand(newRunsListCmd(opts), newRunsShowCmd(opts))
	return cmd
}

func openStore(cmd *cobra.Command, opts *options) (store.Store, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store == "" {
		return nil, setupError(errors.New("no store configured"))
	}
	st, err := store.Open(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, setupError(err)
	}
	return st, nil
}

func newRunsListCmd(opts *options) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				b, _ := json.MarshalIndent(runs, "", "  ")
				fmt.Fprintln(out, string(b))
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(out, "%s  %-10s  %-20s  jobs=%d failed=%d  %s  (%s)\n",
					r.ID, r.Status, r.Pipeline, r.Jobs, r.Failed,
					r.StartedAt.Local().Format(time.DateTime), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Max rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func newRunsShowCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the job results of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := st.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				b, _ := json.MarshalIndent(res, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

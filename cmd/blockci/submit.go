package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"blockci/internal/core"
)

type submitOptions struct {
	server string
	follow bool
	poll   time.Duration
}

func newSubmitCmd() *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit <pipeline.yml>",
		Short: "Submit a pipeline to a running blockci server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return setupError(err)
			}
			return submit(cmd.Context(), cmd.OutOrStdout(), opts, data)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "blockci server URL")
	cmd.Flags().BoolVar(&opts.follow, "follow", false, "Wait for the run to finish and exit with its outcome")
	cmd.Flags().DurationVar(&opts.poll, "poll", time.Second, "Polling interval with --follow")
	return cmd
}

func submit(ctx context.Context, out io.Writer, opts *submitOptions, data []byte) error {
	base := strings.TrimSuffix(opts.server, "/")
	resp, err := http.Post(base+"/pipelines", "application/x-yaml", bytes.NewReader(data))
	if err != nil {
		return setupError(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return setupError(fmt.Errorf("server answered %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}
	var accepted struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &accepted); err != nil {
		return setupError(err)
	}
	fmt.Fprintf(out, "submitted run %s\n", accepted.ID)
	if !opts.follow {
		return nil
	}

	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		res, err := fetchRun(ctx, base, accepted.ID)
		if err != nil {
			return err
		}
		if res.Status == core.PipelineRunning {
			continue
		}
		printResult(out, res)
		if res.Status != core.PipelineSucceeded {
			return &exitError{code: exitFailed, err: errPipelineFailed}
		}
		return nil
	}
}

func fetchRun(ctx context.Context, base, id string) (*core.PipelineResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/pipelines/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server answered %s for run %s", resp.Status, id)
	}
	var res core.PipelineResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

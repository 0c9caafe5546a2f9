package store

import (
	"time"

	"github.com/golang/glog"

	"blockci/internal/core"
)

// scanner is satisfied by both *sql.Rows and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// jobRow flattens a JobResult into table columns.
type jobRow struct {
	Job, Status, Reason, Worker, Error string
	Attempts                           int
	AllowFailure                       bool
	Phase, Command, Output             string
	ExitCode                           int
	StartedAt, FinishedAt              time.Time
}

func toRow(j core.JobResult) jobRow {
	r := jobRow{
		Job:          j.Job,
		Status:       string(j.Status),
		Reason:       string(j.Reason),
		Worker:       j.Worker,
		Error:        j.Error,
		Attempts:     j.Attempts,
		AllowFailure: j.AllowFailure,
		StartedAt:    j.StartedAt.UTC(),
		FinishedAt:   j.FinishedAt.UTC(),
	}
	if f := j.Failure; f != nil {
		r.Phase, r.Command, r.ExitCode, r.Output = string(f.Phase), f.Command, f.ExitCode, f.Output
	}
	return r
}

func (r jobRow) result() core.JobResult {
	j := core.JobResult{
		Job:          r.Job,
		Status:       core.JobStatus(r.Status),
		Reason:       core.Reason(r.Reason),
		Worker:       r.Worker,
		Error:        r.Error,
		Attempts:     r.Attempts,
		AllowFailure: r.AllowFailure,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
	}
	if r.Phase != "" {
		j.Failure = &core.StepFailure{Phase: core.Phase(r.Phase), Command: r.Command, ExitCode: r.ExitCode, Output: r.Output}
	}
	return j
}

func scanJob(s scanner) (core.JobResult, error) {
	var r jobRow
	err := s.Scan(&r.Job, &r.Status, &r.Reason, &r.Worker, &r.Error, &r.Attempts, &r.AllowFailure,
		&r.Phase, &r.Command, &r.ExitCode, &r.Output, &r.StartedAt, &r.FinishedAt)
	return r.result(), err
}

func scanSummary(s scanner) (RunSummary, error) {
	var r RunSummary
	var status string
	err := s.Scan(&r.ID, &r.Pipeline, &status, &r.Cancelled, &r.StartedAt, &r.FinishedAt, &r.Jobs, &r.Failed)
	r.Status = core.PipelineStatus(status)
	return r, err
}

func failedJobs(res *core.PipelineResult) int {
	n := 0
	for _, j := range res.Jobs {
		if j.Status == core.JobFailed {
			n++
		}
	}
	return n
}

func logSaveError(runID string, err error) {
	glog.Errorf("store: cannot save run %s: %v", runID, err)
}

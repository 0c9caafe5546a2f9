package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"
)

// LogSink stores the output of individual steps. The returned reference
// identifies the stored output (a file path for the file based sink).
type LogSink interface {
	Open(runID, job string, step int) (w io.WriteCloser, ref string, err error)
}

// OfflineMarker is told about workers that failed underneath a job.
type OfflineMarker interface {
	MarkOffline(id string)
}

// Executor runs the steps of one job on an acquired worker.
type Executor struct {
	Logs     LogSink
	Offline  OfflineMarker
	Observer Observer

	// CloseTimeout bounds session teardown, which runs even after the job
	// context is gone.
	CloseTimeout time.Duration
}

func NewExecutor(logs LogSink, offline OfflineMarker, obs Observer) *Executor {
	return &Executor{Logs: logs, Offline: offline, Observer: obs, CloseTimeout: 30 * time.Second}
}

// Execute runs setup commands then script commands, stopping at the first
// failure. It never returns a non-terminal result.
func (e *Executor) Execute(ctx context.Context, runID string, job *JobSpec, w *Worker) JobResult {
	res := JobResult{
		Job:          job.Name,
		Status:       JobRunning,
		Worker:       w.ID,
		AllowFailure: job.AllowFailure,
		StartedAt:    time.Now(),
	}

	jobCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	if w.Runtime == nil {
		return e.abort(ctx, jobCtx, res, nil, fmt.Errorf("%w: worker %s has no runtime", ErrInfrastructure, w.ID))
	}

	session, err := w.Runtime.Open(jobCtx, job.Image)
	if err != nil {
		return e.abort(ctx, jobCtx, res, nil, fmt.Errorf("%w: open %s on %s: %v", ErrInfrastructure, job.Image, w.ID, err))
	}
	defer e.closeSession(ctx, job.Name, session)

	for i, step := range job.Commands() {
		out, ref, err := e.openLog(runID, job.Name, i)
		if err != nil {
			glog.Warningf("job %s: cannot store output of step %d: %v", job.Name, i, err)
		}

		e.emit(Event{Kind: EventStepStarted, RunID: runID, Job: job.Name, Worker: w.ID, Phase: step.Phase, Command: step.Command, Output: ref})
		glog.V(1).Infof("job %s [%s] $ %s", job.Name, step.Phase, step.Command)

		outcome, runErr := session.Run(jobCtx, step.Command, out)
		if cerr := out.Close(); cerr != nil {
			glog.Warningf("job %s: closing output of step %d: %v", job.Name, i, cerr)
		}

		e.emit(Event{Kind: EventStepFinished, RunID: runID, Job: job.Name, Worker: w.ID, Phase: step.Phase, Command: step.Command, ExitCode: outcome.ExitCode, Output: ref})

		failure := &StepFailure{Phase: step.Phase, Command: step.Command, ExitCode: outcome.ExitCode, Output: ref}
		if runErr != nil || jobCtx.Err() != nil {
			if runErr == nil {
				runErr = jobCtx.Err()
			}
			return e.abort(ctx, jobCtx, res, failure, runErr)
		}
		if outcome.ExitCode != 0 {
			glog.V(1).Infof("job %s: %q exited with %d", job.Name, step.Command, outcome.ExitCode)
			res.Status = JobFailed
			res.Reason = ReasonScript
			res.Failure = failure
			res.FinishedAt = time.Now()
			return res
		}
	}

	res.Status = JobSucceeded
	res.FinishedAt = time.Now()
	return res
}

// abort finishes a job that stopped for a reason other than a non-zero exit.
func (e *Executor) abort(parent, jobCtx context.Context, res JobResult, failure *StepFailure, err error) JobResult {
	res.Status = JobFailed
	res.Failure = failure
	res.Error = err.Error()
	res.FinishedAt = time.Now()

	switch {
	case parent.Err() != nil:
		res.Reason = ReasonCancelled
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		res.Reason = ReasonTimeout
	default:
		res.Reason = ReasonInfrastructure
		glog.Warningf("job %s: worker %s failed: %v", res.Job, res.Worker, err)
		if e.Offline != nil {
			e.Offline.MarkOffline(res.Worker)
		}
	}
	return res
}

func (e *Executor) closeSession(parent context.Context, job string, s Session) {
	timeout := e.CloseTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		glog.Warningf("job %s: closing session: %v", job, err)
	}
}

func (e *Executor) openLog(runID, job string, step int) (io.WriteCloser, string, error) {
	if e.Logs == nil {
		return nopCloser{io.Discard}, "", nil
	}
	w, ref, err := e.Logs.Open(runID, job, step)
	if err != nil {
		return nopCloser{io.Discard}, "", err
	}
	return w, ref, nil
}

func (e *Executor) emit(ev Event) {
	if e.Observer == nil {
		return
	}
	ev.Time = time.Now()
	e.Observer.Observe(ev)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

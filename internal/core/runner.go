package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// Runner ties together Resolver + Pool + Executor. It drives each run from
// a single control loop and runs every job on its own goroutine.
type Runner struct {
	Pool     *Pool
	Executor *Executor
	Observer Observer

	// AcquireTimeout bounds how long a job waits for a matching worker.
	// Zero waits until the run is cancelled.
	AcquireTimeout time.Duration

	// InfraRetries is how many times a job is re-queued after an
	// infrastructure failure before the failure becomes terminal.
	InfraRetries int

	NewID func() string
}

func NewRunner(pool *Pool, executor *Executor, obs Observer) *Runner {
	return &Runner{
		Pool:         pool,
		Executor:     executor,
		Observer:     obs,
		InfraRetries: 1,
		NewID:        uuid.NewString,
	}
}

// Run executes p and waits for the result. A non-nil error means the
// pipeline was rejected before any job started.
func (r *Runner) Run(ctx context.Context, p *Pipeline) (*PipelineResult, error) {
	run, err := r.Start(ctx, p)
	if err != nil {
		return nil, err
	}
	return run.Wait(), nil
}

// Start resolves p and begins executing it in the background.
func (r *Runner) Start(ctx context.Context, p *Pipeline) (*PipelineRun, error) {
	if r.Pool == nil || r.Executor == nil {
		return nil, fmt.Errorf("runner needs a pool and an executor")
	}
	g, err := Resolve(p)
	if err != nil {
		return nil, err
	}

	newID := r.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := newPipelineRun(newID(), g, cancel)

	glog.Infof("run %s: starting pipeline %q with %d jobs", run.ID, p.Name(), p.Len())
	r.emit(Event{Kind: EventPipelineStarted, RunID: run.ID, Pipeline: p.Name()})

	go r.loop(runCtx, run)
	return run, nil
}

type messageKind int

const (
	msgStarted messageKind = iota
	msgFinished
)

type message struct {
	kind    messageKind
	job     string
	worker  string
	attempt int
	result  JobResult
	final   bool // never re-queue this result
}

func (r *Runner) loop(ctx context.Context, run *PipelineRun) {
	defer run.cancel()

	readiness := run.graph.NewReadiness()
	msgs := make(chan message)
	inflight := 0

	// prior is the infrastructure failure being retried, nil on the first attempt.
	dispatch := func(name string, prior *JobResult) {
		if ctx.Err() != nil {
			return
		}
		inflight++
		job := run.pipeline.jobs[name]
		go r.dispatch(ctx, run.ID, job, run.attempts(name)+1, prior, msgs)
	}

	for _, name := range readiness.Ready() {
		dispatch(name, nil)
	}

	for inflight > 0 {
		m := <-msgs
		if m.kind == msgStarted {
			run.markRunning(m.job, m.worker, m.attempt)
			glog.Infof("run %s: job %s running on %s (attempt %d)", run.ID, m.job, m.worker, m.attempt)
			r.emit(Event{Kind: EventJobStarted, RunID: run.ID, Pipeline: run.pipeline.name, Job: m.job, Worker: m.worker})
			continue
		}

		inflight--
		res := m.result
		if res.Status == JobFailed && res.Reason == ReasonInfrastructure && !m.final && res.Attempts <= r.InfraRetries && ctx.Err() == nil {
			glog.Warningf("run %s: job %s hit an infrastructure failure, re-queueing: %s", run.ID, res.Job, res.Error)
			run.requeue(res)
			dispatch(res.Job, &res)
			continue
		}

		res = run.finish(res)
		r.logResult(run.ID, res)
		r.emit(Event{Kind: EventJobFinished, RunID: run.ID, Pipeline: run.pipeline.name, Job: res.Job, Worker: res.Worker, Result: &res})

		switch {
		case res.Status == JobSkipped || ctx.Err() != nil:
			// cancelled; whatever is still pending is skipped below
		case res.Blocking():
			for _, d := range run.graph.Descendants(res.Job) {
				r.skip(run, d, ReasonUpstream)
			}
		default:
			for _, next := range readiness.Complete(res.Job) {
				if run.status(next) == JobPending {
					dispatch(next, nil)
				}
			}
		}
	}

	cancelled := ctx.Err() != nil
	for _, name := range run.pipeline.order {
		r.skip(run, name, ReasonCancelled)
	}

	final := run.complete(cancelled)
	glog.Infof("run %s: pipeline %q %s", run.ID, final.Pipeline, final.Status)
	r.emit(Event{Kind: EventPipelineFinished, RunID: run.ID, Pipeline: final.Pipeline, PipelineResult: final})
	run.close()
}

// dispatch waits for a worker without holding up the control loop, then
// executes the job and reports back. A retry first health-checks the worker
// that failed and gives up, keeping the original failure, when no matching
// worker is left online or none frees up in time.
func (r *Runner) dispatch(ctx context.Context, runID string, job *JobSpec, attempt int, prior *JobResult, msgs chan<- message) {
	switch {
	case prior != nil:
		r.recheck(ctx, prior.Worker)
		if !r.Pool.HasLiveMatch(job.Tags) {
			msgs <- message{kind: msgFinished, job: job.Name, final: true,
				result: abandon(prior, fmt.Sprintf("no worker matching [%s] is online", strings.Join(job.Tags, ", ")))}
			return
		}
	case !r.Pool.CanEverMatch(job.Tags):
		glog.Warningf("run %s: no registered worker advertises [%s] for job %s", runID, strings.Join(job.Tags, ", "), job.Name)
	}

	ticket := r.Pool.Acquire(job.Tags)

	var expired <-chan time.Time
	if r.AcquireTimeout > 0 {
		t := time.NewTimer(r.AcquireTimeout)
		defer t.Stop()
		expired = t.C
	}

	var w *Worker
	select {
	case w = <-ticket.C():
	case <-expired:
		ticket.Cancel()
		if prior != nil {
			msgs <- message{kind: msgFinished, job: job.Name, final: true,
				result: abandon(prior, fmt.Sprintf("no worker became available within %s", r.AcquireTimeout))}
			return
		}
		msgs <- message{kind: msgFinished, job: job.Name, result: JobResult{
			Job:        job.Name,
			Status:     JobFailed,
			Reason:     ReasonTimeout,
			Error:      fmt.Sprintf("no worker matching [%s] became available within %s", strings.Join(job.Tags, ", "), r.AcquireTimeout),
			Attempts:   attempt,
			FinishedAt: time.Now(),
		}}
		return
	case <-ctx.Done():
		ticket.Cancel()
		msgs <- message{kind: msgFinished, job: job.Name, result: JobResult{
			Job:      job.Name,
			Status:   JobSkipped,
			Reason:   ReasonCancelled,
			Attempts: attempt - 1,
		}}
		return
	}

	msgs <- message{kind: msgStarted, job: job.Name, worker: w.ID, attempt: attempt}
	res := r.Executor.Execute(ctx, runID, job, w)
	r.Pool.Release(w)
	res.Attempts = attempt
	msgs <- message{kind: msgFinished, job: job.Name, result: res}
}

// recheck health-checks a worker taken offline by an infrastructure failure and
// readmits it when it answers.
func (r *Runner) recheck(ctx context.Context, id string) {
	w, ok := r.Pool.Worker(id)
	if !ok {
		return
	}
	prober, ok := w.Runtime.(Prober)
	if !ok {
		return
	}
	if err := prober.Probe(ctx); err != nil {
		glog.V(1).Infof("worker %s still unreachable: %v", id, err)
		return
	}
	if err := r.Pool.Readmit(id); err != nil {
		glog.Warningf("readmit %s: %v", id, err)
		return
	}
	glog.Infof("worker %s answered its health check", id)
}

// abandon turns a pending retry back into the infrastructure failure that
// caused it.
func abandon(prior *JobResult, why string) JobResult {
	res := *prior
	res.Error = fmt.Sprintf("%s; retry abandoned: %s", prior.Error, why)
	res.FinishedAt = time.Now()
	return res
}

func (r *Runner) skip(run *PipelineRun, job string, reason Reason) {
	res, ok := run.skip(job, reason)
	if !ok {
		return
	}
	glog.Infof("run %s: job %s skipped (%s)", run.ID, job, reason)
	r.emit(Event{Kind: EventJobFinished, RunID: run.ID, Pipeline: run.pipeline.name, Job: job, Result: &res})
}

func (r *Runner) logResult(runID string, res JobResult) {
	switch {
	case res.Status == JobSucceeded:
		glog.Infof("run %s: job %s succeeded", runID, res.Job)
	case res.Failure != nil:
		glog.Errorf("run %s: job %s failed (%s): %q exited %d, output %s", runID, res.Job, res.Reason, res.Failure.Command, res.Failure.ExitCode, res.Failure.Output)
	default:
		glog.Errorf("run %s: job %s %s (%s) %s", runID, res.Job, res.Status, res.Reason, res.Error)
	}
}

func (r *Runner) emit(ev Event) {
	if r.Observer == nil {
		return
	}
	ev.Time = time.Now()
	r.Observer.Observe(ev)
}

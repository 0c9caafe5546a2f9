package core

import (
	"context"
	"sync"
	"time"
)

// PipelineRun is one execution of a pipeline. Its result table is written by
// the runner's control loop and may be read concurrently via Snapshot.
type PipelineRun struct {
	ID string

	pipeline *Pipeline
	graph    *Graph
	cancel   context.CancelFunc
	done     chan struct{}

	mu        sync.Mutex
	results   map[string]*JobResult
	startedAt time.Time
	final     *PipelineResult
}

func newPipelineRun(id string, g *Graph, cancel context.CancelFunc) *PipelineRun {
	p := g.Pipeline()
	run := &PipelineRun{
		ID:        id,
		pipeline:  p,
		graph:     g,
		cancel:    cancel,
		done:      make(chan struct{}),
		results:   make(map[string]*JobResult, p.Len()),
		startedAt: time.Now(),
	}
	for _, name := range p.order {
		run.results[name] = &JobResult{
			Job:          name,
			Status:       JobPending,
			AllowFailure: p.jobs[name].AllowFailure,
		}
	}
	return run
}

func (r *PipelineRun) Pipeline() *Pipeline { return r.pipeline }

func (r *PipelineRun) Graph() *Graph { return r.graph }

// Cancel stops the run: waiting jobs are skipped and running jobs are
// terminated and recorded as cancelled.
func (r *PipelineRun) Cancel() { r.cancel() }

func (r *PipelineRun) Done() <-chan struct{} { return r.done }

// Wait blocks until every job is terminal and returns the final result.
func (r *PipelineRun) Wait() *PipelineResult {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final
}

// Snapshot returns the current state of every job. While the run is in
// progress the pipeline status is PipelineRunning.
func (r *PipelineRun) Snapshot() PipelineResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		res := *r.final
		res.Jobs = append([]JobResult(nil), r.final.Jobs...)
		return res
	}
	return PipelineResult{
		RunID:     r.ID,
		Pipeline:  r.pipeline.name,
		Status:    PipelineRunning,
		Jobs:      r.jobsLocked(),
		StartedAt: r.startedAt,
	}
}

func (r *PipelineRun) jobsLocked() []JobResult {
	out := make([]JobResult, 0, len(r.results))
	for _, name := range r.pipeline.order {
		out = append(out, *r.results[name])
	}
	return out
}

func (r *PipelineRun) status(job string) JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[job].Status
}

func (r *PipelineRun) attempts(job string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[job].Attempts
}

func (r *PipelineRun) markRunning(job, worker string, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.results[job]
	res.Status = JobRunning
	res.Worker = worker
	res.Attempts = attempt
	res.StartedAt = time.Now()
}

// requeue puts a job back to pending after an infrastructure failure.
func (r *PipelineRun) requeue(failed JobResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.results[failed.Job]
	res.Status = JobPending
	res.Attempts = failed.Attempts
	res.Error = failed.Error
}

func (r *PipelineRun) finish(res JobResult) JobResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res.AllowFailure = r.results[res.Job].AllowFailure
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}
	*r.results[res.Job] = res
	return res
}

// skip moves a job that never started to Skipped. It reports false if the
// job had already left pending.
func (r *PipelineRun) skip(job string, reason Reason) (JobResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.results[job]
	if res.Status != JobPending {
		return *res, false
	}
	res.Status = JobSkipped
	res.Reason = reason
	res.FinishedAt = time.Now()
	return *res, true
}

func (r *PipelineRun) complete(cancelled bool) *PipelineResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := r.jobsLocked()
	r.final = &PipelineResult{
		RunID:      r.ID,
		Pipeline:   r.pipeline.name,
		Status:     Aggregate(jobs, cancelled),
		Cancelled:  cancelled,
		Jobs:       jobs,
		StartedAt:  r.startedAt,
		FinishedAt: time.Now(),
	}
	return r.final
}

// close releases Wait. It runs after the final events have been emitted.
func (r *PipelineRun) close() { close(r.done) }

package core

import (
	"slices"
	"time"
)

// JobSpec is one unit of work inside a pipeline. It is immutable once the
// pipeline that owns it has been validated.
type JobSpec struct {
	Name         string        // unique within the pipeline (e.g. "test-doc")
	Image        string        // container image reference
	BeforeScript []string      // setup commands, run in order
	Script       []string      // script commands, run in order after setup
	Tags         []string      // capabilities a worker must advertise
	Needs        []string      // explicit predecessors; nil when undeclared, empty to ignore stages
	Stage        string        // optional stage label
	AllowFailure bool          // failure does not fail the pipeline or skip dependents
	Timeout      time.Duration // 0 means no limit
}

// Commands returns the setup and script commands tagged with their phase.
func (j *JobSpec) Commands() []Step {
	steps := make([]Step, 0, len(j.BeforeScript)+len(j.Script))
	for _, c := range j.BeforeScript {
		steps = append(steps, Step{Phase: PhaseSetup, Command: c})
	}
	for _, c := range j.Script {
		steps = append(steps, Step{Phase: PhaseScript, Command: c})
	}
	return steps
}

func (j *JobSpec) clone() *JobSpec {
	c := *j
	c.BeforeScript = slices.Clone(j.BeforeScript)
	c.Script = slices.Clone(j.Script)
	c.Tags = slices.Clone(j.Tags)
	c.Needs = slices.Clone(j.Needs)
	return &c
}

// Phase tells whether a command belongs to before_script or script.
type Phase string

const (
	PhaseSetup  Phase = "setup"
	PhaseScript Phase = "script"
)

// Step is a single command of a job.
type Step struct {
	Phase   Phase
	Command string
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobSkipped
}

// Reason qualifies a failed or skipped job.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonScript         Reason = "script"
	ReasonInfrastructure Reason = "infrastructure"
	ReasonCancelled      Reason = "cancelled"
	ReasonTimeout        Reason = "timeout"
	ReasonUpstream       Reason = "upstream_failed"
)

// StepFailure records the command that stopped a job.
type StepFailure struct {
	Phase    Phase  `json:"phase"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"` // reference to the captured output
}

// JobResult is the outcome of one job within one pipeline run.
type JobResult struct {
	Job          string       `json:"job"`
	Status       JobStatus    `json:"status"`
	Reason       Reason       `json:"reason,omitempty"`
	Failure      *StepFailure `json:"failure,omitempty"`
	Error        string       `json:"error,omitempty"`
	Worker       string       `json:"worker,omitempty"`
	Attempts     int          `json:"attempts"`
	AllowFailure bool         `json:"allow_failure,omitempty"`
	StartedAt    time.Time    `json:"started_at,omitempty"`
	FinishedAt   time.Time    `json:"finished_at,omitempty"`
}

// Blocking reports whether the result fails the pipeline and stops dependents.
func (r JobResult) Blocking() bool {
	return r.Status == JobFailed && !r.AllowFailure
}

type PipelineStatus string

const (
	PipelineRunning   PipelineStatus = "running"
	PipelineSucceeded PipelineStatus = "succeeded"
	PipelineFailed    PipelineStatus = "failed"
)

// PipelineResult aggregates every job result of a run.
type PipelineResult struct {
	RunID      string         `json:"run_id"`
	Pipeline   string         `json:"pipeline"`
	Status     PipelineStatus `json:"status"`
	Cancelled  bool           `json:"cancelled,omitempty"`
	Jobs       []JobResult    `json:"jobs"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

// Job returns the result for the named job.
func (p *PipelineResult) Job(name string) (JobResult, bool) {
	for _, j := range p.Jobs {
		if j.Job == name {
			return j, true
		}
	}
	return JobResult{}, false
}

// Aggregate derives the overall status from the job results.
func Aggregate(jobs []JobResult, cancelled bool) PipelineStatus {
	if cancelled {
		return PipelineFailed
	}
	for _, j := range jobs {
		if j.Blocking() {
			return PipelineFailed
		}
	}
	return PipelineSucceeded
}

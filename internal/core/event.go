package core

import "time"

type EventKind string

const (
	EventPipelineStarted  EventKind = "pipeline_started"
	EventPipelineFinished EventKind = "pipeline_finished"
	EventJobStarted       EventKind = "job_started"
	EventJobFinished      EventKind = "job_finished"
	EventStepStarted      EventKind = "step_started"
	EventStepFinished     EventKind = "step_finished"
)

// Event is a lifecycle notification. Fields that do not apply to the kind
// are left empty.
type Event struct {
	Kind     EventKind
	Time     time.Time
	RunID    string
	Pipeline string
	Job      string
	Worker   string
	Phase    Phase
	Command  string
	ExitCode int
	Output   string

	Result         *JobResult      // EventJobFinished
	PipelineResult *PipelineResult // EventPipelineFinished
}

// Observer receives lifecycle events. Implementations must not block.
type Observer interface {
	Observe(Event)
}

package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDefinition is matched by every error that rejects a pipeline before it runs.
	ErrDefinition = errors.New("invalid pipeline definition")

	ErrNoJobs = fmt.Errorf("%w: pipeline has no jobs", ErrDefinition)

	// ErrInfrastructure marks runtime failures that are not the job's fault
	// (worker gone, provisioning failed).
	ErrInfrastructure = errors.New("infrastructure failure")

	// ErrWouldBlock is returned by TryAcquire when no idle worker matches.
	ErrWouldBlock = errors.New("no idle worker matches")
)

type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrDefinition }

type UnknownDependencyError struct {
	Job        string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("job %q needs unknown job %q", e.Job, e.Dependency)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrDefinition }

type DuplicateJobError struct {
	Job string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %q is defined more than once", e.Job)
}

func (e *DuplicateJobError) Unwrap() error { return ErrDefinition }

// EmptyTagsError is returned for a job that no worker could ever match.
type EmptyTagsError struct {
	Job string
}

func (e *EmptyTagsError) Error() string {
	return fmt.Sprintf("job %q has no tags", e.Job)
}

func (e *EmptyTagsError) Unwrap() error { return ErrDefinition }

type EmptyScriptError struct {
	Job string
}

func (e *EmptyScriptError) Error() string {
	return fmt.Sprintf("job %q has no script", e.Job)
}

func (e *EmptyScriptError) Unwrap() error { return ErrDefinition }

type UnknownStageError struct {
	Job   string
	Stage string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("job %q uses stage %q, which is not listed in stages", e.Job, e.Stage)
}

func (e *UnknownStageError) Unwrap() error { return ErrDefinition }

// InvalidJobError covers malformed job fields (bad name, bad timeout).
type InvalidJobError struct {
	Job    string
	Reason string
}

func (e *InvalidJobError) Error() string {
	if e.Job == "" {
		return e.Reason
	}
	return fmt.Sprintf("job %q: %s", e.Job, e.Reason)
}

func (e *InvalidJobError) Unwrap() error { return ErrDefinition }

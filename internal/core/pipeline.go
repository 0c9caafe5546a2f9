package core

import (
	"fmt"
	"slices"
	"strings"
)

// Pipeline is a validated set of jobs. Stages, when declared, are ordered:
// a job in a later stage waits for every job of the earlier ones unless it
// lists its own needs.
type Pipeline struct {
	name   string
	stages []string
	jobs   map[string]*JobSpec
	order  []string // declaration order
}

// NewPipeline validates jobs and builds an immutable pipeline. Every error
// returned matches ErrDefinition.
func NewPipeline(name string, stages []string, jobs []JobSpec) (*Pipeline, error) {
	if len(jobs) == 0 {
		return nil, ErrNoJobs
	}

	declared := make(map[string]bool, len(stages))
	for _, s := range stages {
		if declared[s] {
			return nil, &InvalidJobError{Reason: fmt.Sprintf("stage %q is declared twice", s)}
		}
		declared[s] = true
	}

	p := &Pipeline{
		name:   name,
		stages: slices.Clone(stages),
		jobs:   make(map[string]*JobSpec, len(jobs)),
		order:  make([]string, 0, len(jobs)),
	}

	for i := range jobs {
		j := jobs[i].clone()
		j.Name = strings.TrimSpace(j.Name)
		j.Tags = NormalizeTags(j.Tags)

		if j.Name == "" {
			return nil, &InvalidJobError{Reason: fmt.Sprintf("job #%d has no name", i+1)}
		}
		if _, dup := p.jobs[j.Name]; dup {
			return nil, &DuplicateJobError{Job: j.Name}
		}
		if len(j.Tags) == 0 {
			return nil, &EmptyTagsError{Job: j.Name}
		}
		if len(j.Script) == 0 {
			return nil, &EmptyScriptError{Job: j.Name}
		}
		if j.Stage != "" && !declared[j.Stage] {
			return nil, &UnknownStageError{Job: j.Name, Stage: j.Stage}
		}
		if j.Timeout < 0 {
			return nil, &InvalidJobError{Job: j.Name, Reason: "negative timeout"}
		}

		p.jobs[j.Name] = j
		p.order = append(p.order, j.Name)
	}

	// dangling needs and cycles
	if _, err := Resolve(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) Stages() []string { return slices.Clone(p.stages) }

func (p *Pipeline) Len() int { return len(p.order) }

// Names returns job names in declaration order.
func (p *Pipeline) Names() []string { return slices.Clone(p.order) }

// Job returns a copy of the named job.
func (p *Pipeline) Job(name string) (JobSpec, bool) {
	j, ok := p.jobs[name]
	if !ok {
		return JobSpec{}, false
	}
	return *j.clone(), true
}

// Jobs returns copies of all jobs in declaration order.
func (p *Pipeline) Jobs() []JobSpec {
	out := make([]JobSpec, 0, len(p.order))
	for _, n := range p.order {
		out = append(out, *p.jobs[n].clone())
	}
	return out
}

func (p *Pipeline) stageIndex(stage string) int {
	return slices.Index(p.stages, stage)
}

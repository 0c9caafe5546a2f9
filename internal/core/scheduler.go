package core

import (
	"slices"
	"sync"
)

// Graph is the execution graph of a pipeline. An edge job -> pred means pred
// must finish before job starts. Graph never changes after Resolve; per-run
// progress lives in Readiness.
type Graph struct {
	pipeline *Pipeline
	preds    map[string][]string
	deps     map[string][]string // reverse edges: job -> jobs waiting on it
	order    []string            // topological, ties broken by declaration order
}

const (
	white = iota // unvisited
	grey         // on the DFS stack
	black        // done
)

// Resolve builds the execution graph of p. Declared needs win, even an empty
// list; otherwise a staged job depends on every job of the earlier stages.
// Jobs with neither are independent.
func Resolve(p *Pipeline) (*Graph, error) {
	g := &Graph{
		pipeline: p,
		preds:    make(map[string][]string, len(p.order)),
		deps:     make(map[string][]string, len(p.order)),
	}

	for _, name := range p.order {
		job := p.jobs[name]
		var preds []string
		switch {
		case job.Needs != nil: // `needs: []` starts immediately
			for _, dep := range job.Needs {
				if _, ok := p.jobs[dep]; !ok {
					return nil, &UnknownDependencyError{Job: name, Dependency: dep}
				}
				if !slices.Contains(preds, dep) {
					preds = append(preds, dep)
				}
			}
		case job.Stage != "":
			idx := p.stageIndex(job.Stage)
			for _, other := range p.order {
				o := p.jobs[other]
				if o.Stage != "" && p.stageIndex(o.Stage) < idx {
					preds = append(preds, other)
				}
			}
		}
		g.preds[name] = preds
		for _, dep := range preds {
			g.deps[dep] = append(g.deps[dep], name)
		}
	}

	order, err := g.sort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// sort runs a three-colour DFS over predecessor edges. Reaching a grey node
// means the stack between it and the current node is a cycle.
func (g *Graph) sort() ([]string, error) {
	color := make(map[string]int, len(g.preds))
	order := make([]string, 0, len(g.preds))
	var stack []string

	var visit func(string) error
	visit = func(n string) error {
		color[n] = grey
		stack = append(stack, n)
		for _, p := range g.preds[n] {
			switch color[p] {
			case grey:
				start := slices.Index(stack, p)
				path := append(slices.Clone(stack[start:]), p)
				return &CycleError{Path: path}
			case white:
				if err := visit(p); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		order = append(order, n)
		return nil
	}

	for _, n := range g.pipeline.order {
		if color[n] == white {
			if err := visit(n); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

func (g *Graph) Pipeline() *Pipeline { return g.pipeline }

// Order returns the jobs so that every job comes after its predecessors.
func (g *Graph) Order() []string { return slices.Clone(g.order) }

func (g *Graph) Predecessors(job string) []string { return slices.Clone(g.preds[job]) }

// Dependents returns the jobs that directly wait on job.
func (g *Graph) Dependents(job string) []string { return slices.Clone(g.deps[job]) }

// Roots returns the jobs without predecessors in declaration order.
func (g *Graph) Roots() []string {
	var out []string
	for _, n := range g.pipeline.order {
		if len(g.preds[n]) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Descendants returns every job transitively waiting on job, in topological order.
func (g *Graph) Descendants(job string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		for _, d := range g.deps[n] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(job)

	out := make([]string, 0, len(seen))
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// NewReadiness starts tracking unmet predecessors for one run.
func (g *Graph) NewReadiness() *Readiness {
	r := &Readiness{graph: g, remaining: make(map[string]int, len(g.preds))}
	for n, preds := range g.preds {
		r.remaining[n] = len(preds)
	}
	return r
}

// Readiness counts unmet predecessors of each job during a run.
type Readiness struct {
	mu        sync.Mutex
	graph     *Graph
	remaining map[string]int
}

// Remaining returns how many predecessors of job have not completed yet.
func (r *Readiness) Remaining(job string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining[job]
}

// Ready returns the jobs whose count is already zero, in declaration order.
func (r *Readiness) Ready() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.graph.pipeline.order {
		if r.remaining[n] == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Complete records that job finished in a non-blocking way and returns the
// dependents that became ready because of it.
func (r *Readiness) Complete(job string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ready []string
	for _, d := range r.graph.deps[job] {
		r.remaining[d]--
		if r.remaining[d] == 0 {
			ready = append(ready, d)
		}
	}
	return ready
}

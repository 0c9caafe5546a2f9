package core

import (
	"fmt"
	"slices"
	"sync"
)

type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerBusy    WorkerState = "busy"
	WorkerOffline WorkerState = "offline"
)

// Worker is an execution agent advertising a set of capability tags.
type Worker struct {
	ID      string
	Tags    []string
	Runtime Runtime
}

// WorkerInfo is a point-in-time view of a pooled worker.
type WorkerInfo struct {
	ID    string      `json:"id"`
	Tags  []string    `json:"tags"`
	State WorkerState `json:"state"`
}

type pooled struct {
	worker   *Worker
	state    WorkerState
	leased   bool // handed out and not yet released, even while offline
	lastUsed uint64
}

// Pool hands out workers to jobs whose tags they satisfy. All state changes
// go through one mutex so a worker is never assigned twice.
type Pool struct {
	mu      sync.Mutex
	workers []*pooled
	byID    map[string]*pooled
	waiters []*Ticket
	clock   uint64
}

func NewPool(workers ...*Worker) (*Pool, error) {
	p := &Pool{byID: make(map[string]*pooled)}
	for _, w := range workers {
		if err := p.Add(w); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add registers a new idle worker.
func (p *Pool) Add(w *Worker) error {
	if w == nil || w.ID == "" {
		return fmt.Errorf("worker needs an id")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[w.ID]; ok {
		return fmt.Errorf("worker %q already registered", w.ID)
	}
	cp := *w
	cp.Tags = NormalizeTags(w.Tags)
	pw := &pooled{worker: &cp, state: WorkerIdle}
	p.workers = append(p.workers, pw)
	p.byID[cp.ID] = pw
	p.serveLocked()
	return nil
}

// TryAcquire returns an idle worker whose tags cover tags, or ErrWouldBlock.
// It never registers interest.
func (p *Pool) TryAcquire(tags []string) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.pickLocked(tags); w != nil {
		return w, nil
	}
	return nil, ErrWouldBlock
}

// Acquire registers interest in a worker matching tags and returns without
// blocking. The ticket delivers the worker as soon as one is available,
// which may be immediately. Waiters are served first come, first served.
func (p *Pool) Acquire(tags []string) *Ticket {
	t := &Ticket{pool: p, tags: NormalizeTags(tags), c: make(chan *Worker, 1)}
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.pickLocked(t.tags); w != nil {
		t.done = true
		t.c <- w
		return t
	}
	p.waiters = append(p.waiters, t)
	return t
}

// Release ends the lease taken by Acquire or TryAcquire and returns the
// worker to the idle set. Offline workers stay offline.
func (p *Pool) Release(w *Worker) {
	if w == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(w.ID)
}

// MarkOffline removes a worker from matching until it is readmitted.
// Calling it again has no effect.
func (p *Pool) MarkOffline(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pw, ok := p.byID[id]; ok {
		pw.state = WorkerOffline
	}
}

// Readmit brings an offline worker back once a health check passed. A worker
// whose lease is still out comes back busy and turns idle on Release.
func (p *Pool) Readmit(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pw, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("unknown worker %q", id)
	}
	if pw.state != WorkerOffline {
		return nil
	}
	if pw.leased {
		pw.state = WorkerBusy
		return nil
	}
	pw.state = WorkerIdle
	p.serveLocked()
	return nil
}

// Worker returns the registered worker with the given id.
func (p *Pool) Worker(id string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pw, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return pw.worker, true
}

// Workers returns a snapshot in registration order.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerInfo, 0, len(p.workers))
	for _, pw := range p.workers {
		out = append(out, WorkerInfo{ID: pw.worker.ID, Tags: slices.Clone(pw.worker.Tags), State: pw.state})
	}
	return out
}

// CanEverMatch reports whether any registered worker, in any state,
// advertises tags.
func (p *Pool) CanEverMatch(tags []string) bool {
	tags = NormalizeTags(tags)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pw := range p.workers {
		if Satisfies(pw.worker.Tags, tags) {
			return true
		}
	}
	return false
}

// HasLiveMatch reports whether a worker that is not offline advertises tags.
func (p *Pool) HasLiveMatch(tags []string) bool {
	tags = NormalizeTags(tags)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pw := range p.workers {
		if pw.state != WorkerOffline && Satisfies(pw.worker.Tags, tags) {
			return true
		}
	}
	return false
}

// Waiting returns how many tickets are still queued.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// pickLocked selects the least recently used idle worker that matches.
func (p *Pool) pickLocked(tags []string) *Worker {
	var best *pooled
	for _, pw := range p.workers {
		if pw.state != WorkerIdle || !Satisfies(pw.worker.Tags, tags) {
			continue
		}
		if best == nil || pw.lastUsed < best.lastUsed {
			best = pw
		}
	}
	if best == nil {
		return nil
	}
	p.clock++
	best.state = WorkerBusy
	best.leased = true
	best.lastUsed = p.clock
	return best.worker
}

func (p *Pool) releaseLocked(id string) {
	pw, ok := p.byID[id]
	if !ok || !pw.leased {
		return
	}
	pw.leased = false
	if pw.state != WorkerBusy {
		return
	}
	pw.state = WorkerIdle
	p.serveLocked()
}

// serveLocked hands idle workers to queued tickets in arrival order.
func (p *Pool) serveLocked() {
	remaining := p.waiters[:0]
	for _, t := range p.waiters {
		if w := p.pickLocked(t.tags); w != nil {
			t.done = true
			t.c <- w
			continue
		}
		remaining = append(remaining, t)
	}
	clear(p.waiters[len(remaining):])
	p.waiters = remaining
}

// Ticket is a pending request for a worker.
type Ticket struct {
	pool *Pool
	tags []string
	c    chan *Worker
	done bool // guarded by pool.mu
}

// C delivers the acquired worker exactly once.
func (t *Ticket) C() <-chan *Worker { return t.c }

// Cancel withdraws the request. A worker that was delivered but not yet
// received goes back to the pool.
func (t *Ticket) Cancel() {
	p := t.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if !t.done {
		t.done = true
		if i := slices.Index(p.waiters, t); i >= 0 {
			p.waiters = slices.Delete(p.waiters, i, i+1)
		}
		return
	}
	select {
	case w := <-t.c:
		p.releaseLocked(w.ID)
	default:
	}
}

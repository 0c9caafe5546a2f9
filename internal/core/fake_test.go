package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// world is the fake outside world shared by all fake runtimes of a test.
type world struct {
	mu sync.Mutex

	exit    map[string]int           // command -> exit code
	infra   map[string]int           // command -> remaining infrastructure failures
	hang    map[string]bool          // command blocks until its context ends
	sleep   map[string]time.Duration // command takes this long
	openErr map[string]error         // worker -> Open error
	down    map[string]bool          // worker -> fails its health check

	ran       []string // "worker: command"
	active    int
	maxActive int
}

func newWorld() *world {
	return &world{
		exit:    map[string]int{},
		infra:   map[string]int{},
		hang:    map[string]bool{},
		sleep:   map[string]time.Duration{},
		openErr: map[string]error{},
		down:    map[string]bool{},
	}
}

func (w *world) worker(id string, tags ...string) *Worker {
	return &Worker{ID: id, Tags: tags, Runtime: &fakeRuntime{world: w, worker: id}}
}

// probing returns a worker whose runtime also answers health checks.
func (w *world) probing(id string, tags ...string) *Worker {
	return &Worker{ID: id, Tags: tags, Runtime: &probingRuntime{&fakeRuntime{world: w, worker: id}}}
}

func (w *world) commands() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.ran...)
}

type fakeRuntime struct {
	world  *world
	worker string
}

func (f *fakeRuntime) Open(ctx context.Context, image string) (Session, error) {
	f.world.mu.Lock()
	defer f.world.mu.Unlock()
	if err := f.world.openErr[f.worker]; err != nil {
		return nil, err
	}
	return &fakeSession{fakeRuntime: f}, nil
}

type probingRuntime struct {
	*fakeRuntime
}

func (p *probingRuntime) Probe(ctx context.Context) error {
	p.world.mu.Lock()
	defer p.world.mu.Unlock()
	if p.world.down[p.worker] {
		return fmt.Errorf("%s is unreachable", p.worker)
	}
	return nil
}

type fakeSession struct {
	*fakeRuntime
}

func (s *fakeSession) Run(ctx context.Context, command string, out io.Writer) (ExitOutcome, error) {
	w := s.world
	w.mu.Lock()
	w.ran = append(w.ran, s.worker+": "+command)
	w.active++
	if w.active > w.maxActive {
		w.maxActive = w.active
	}
	hang, sleep, code := w.hang[command], w.sleep[command], w.exit[command]
	infra := w.infra[command] > 0
	if infra {
		w.infra[command]--
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.active--
		w.mu.Unlock()
	}()

	fmt.Fprintf(out, "$ %s\n", command)
	if infra {
		return ExitOutcome{ExitCode: -1}, fmt.Errorf("connection to %s lost", s.worker)
	}
	if hang {
		<-ctx.Done()
		return ExitOutcome{ExitCode: -1}, ctx.Err()
	}
	if sleep > 0 {
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ExitOutcome{ExitCode: -1}, ctx.Err()
		}
	}
	return ExitOutcome{ExitCode: code}, nil
}

func (s *fakeSession) Close(ctx context.Context) error { return nil }

// memLogs keeps step output in memory.
type memLogs struct {
	mu   sync.Mutex
	logs map[string]*bytes.Buffer
}

func newMemLogs() *memLogs { return &memLogs{logs: map[string]*bytes.Buffer{}} }

func (m *memLogs) Open(runID, job string, step int) (io.WriteCloser, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := fmt.Sprintf("mem://%s/%s/%d", runID, job, step)
	buf := &bytes.Buffer{}
	m.logs[ref] = buf
	return &lockedBuffer{mu: &m.mu, buf: buf}, ref, nil
}

func (m *memLogs) get(ref string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.logs[ref]; ok {
		return b.String()
	}
	return ""
}

type lockedBuffer struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) Close() error { return nil }

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

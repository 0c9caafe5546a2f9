// Package events fans engine lifecycle events out to sinks without ever
// blocking the engine.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"blockci/internal/core"
)

const DefaultQueueSize = 1024

// Bus is a core.Observer that queues events and delivers them to every sink
// from one goroutine, so each sink sees events in emission order. When the
// queue is full new events are dropped and counted.
//
// Sinks wrapped with Durable are fed from a separate unbounded backlog and
// never lose events.
type Bus struct {
	queue chan core.Event
	sinks []core.Observer

	mu      sync.Mutex
	backlog []core.Event
	closed  bool
	wake    chan struct{}
	durable []core.Observer

	dropped     atomic.Int64
	once        sync.Once
	done        chan struct{}
	durableDone chan struct{}
}

type durableSink struct {
	core.Observer
}

// Durable marks a sink that must see every event, such as run history or
// the audit ledger.
func Durable(o core.Observer) core.Observer { return durableSink{o} }

func NewBus(size int, sinks ...core.Observer) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	b := &Bus{
		queue:       make(chan core.Event, size),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		durableDone: make(chan struct{}),
	}
	for _, s := range sinks {
		if d, ok := s.(durableSink); ok {
			b.durable = append(b.durable, d.Observer)
			continue
		}
		b.sinks = append(b.sinks, s)
	}
	go b.deliver()
	go b.deliverDurable()
	return b
}

func (b *Bus) Observe(ev core.Event) {
	if len(b.durable) > 0 {
		b.mu.Lock()
		b.backlog = append(b.backlog, ev)
		b.mu.Unlock()
		b.signal()
	}
	if len(b.sinks) == 0 {
		return
	}
	select {
	case b.queue <- ev:
	default:
		n := b.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			glog.Warningf("events: queue full, dropped %s of run %s (%d dropped so far)", ev.Kind, ev.RunID, n)
		} else {
			glog.V(1).Infof("events: dropped %s of run %s", ev.Kind, ev.RunID)
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops accepting events and waits until the queued ones have been
// delivered. Observe must not be called after Close.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.queue)
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.signal()
	})
	<-b.done
	<-b.durableDone
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) deliver() {
	defer close(b.done)
	for ev := range b.queue {
		for _, s := range b.sinks {
			b.safeObserve(s, ev)
		}
	}
}

func (b *Bus) deliverDurable() {
	defer close(b.durableDone)
	for {
		b.mu.Lock()
		batch, closed := b.backlog, b.closed
		b.backlog = nil
		b.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-b.wake
			continue
		}
		for _, ev := range batch {
			for _, s := range b.durable {
				b.safeObserve(s, ev)
			}
		}
	}
}

func (b *Bus) safeObserve(s core.Observer, ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("events: sink panicked on %s: %v", ev.Kind, r)
		}
	}()
	s.Observe(ev)
}

// Func adapts a function to core.Observer.
type Func func(core.Event)

func (f Func) Observe(ev core.Event) { f(ev) }

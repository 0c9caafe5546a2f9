// Package engine assembles a ready-to-run pipeline engine from a config:
// worker pool, runtimes, executor, runner, and the sinks that persist what
// happens (step logs, run history, ledger).
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"blockci/internal/blockchain"
	"blockci/internal/config"
	"blockci/internal/core"
	"blockci/internal/events"
	"blockci/internal/runtime"
	"blockci/internal/security"
	"blockci/internal/storage"
	"blockci/internal/store"
)

type Engine struct {
	Config *config.Config
	Pool   *core.Pool
	Runner *core.Runner
	Logs   *storage.LogStorage
	Ledger *blockchain.Ledger // nil when disabled
	Store  store.Store        // nil when no store is configured
	Bus    *events.Bus
}

// New builds an engine. Extra observers receive every event after the
// built-in sinks.
func New(ctx context.Context, cfg *config.Config, extra ...core.Observer) (*Engine, error) {
	e := &Engine{Config: cfg, Logs: storage.NewLogStorage(cfg.LogsDir)}

	workers := make([]*core.Worker, 0, len(cfg.Workers))
	for _, wc := range cfg.Workers {
		rt, err := NewRuntime(wc)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", wc.ID, err)
		}
		workers = append(workers, &core.Worker{ID: wc.ID, Tags: wc.Tags, Runtime: rt})
	}
	pool, err := core.NewPool(workers...)
	if err != nil {
		return nil, err
	}
	e.Pool = pool

	sinks := []core.Observer{events.LogSink{}}

	if cfg.Ledger.Enabled {
		keys, err := security.EnsureKeyPair(cfg.Ledger.KeysDir)
		if err != nil {
			return nil, fmt.Errorf("ledger keys: %w", err)
		}
		e.Ledger, err = blockchain.OpenLedger(cfg.Ledger.Path, keys)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		sinks = append(sinks, events.Durable(blockchain.NewRecorder(e.Ledger)))
	}

	if cfg.Store != "" {
		e.Store, err = store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		sinks = append(sinks, events.Durable(store.Sink{Store: e.Store}))
	}

	sinks = append(sinks, extra...)
	e.Bus = events.NewBus(cfg.EventQueue, sinks...)

	exec := core.NewExecutor(e.Logs, pool, e.Bus)
	e.Runner = core.NewRunner(pool, exec, e.Bus)
	e.Runner.AcquireTimeout = cfg.AcquireTimeout
	e.Runner.InfraRetries = cfg.Retries()

	glog.Infof("engine ready: %d workers, logs in %s", len(workers), cfg.LogsDir)
	return e, nil
}

// NewRuntime builds the runtime a configured worker runs commands with.
func NewRuntime(wc config.Worker) (core.Runtime, error) {
	switch wc.Runtime {
	case config.RuntimeShell:
		return runtime.NewShell(wc.Workdir), nil
	case config.RuntimeDocker:
		return runtime.NewDocker(wc.Workdir)
	case config.RuntimeAgent:
		return runtime.NewAgent(wc.Address, wc.Workdir), nil
	}
	return nil, fmt.Errorf("unknown runtime %q", wc.Runtime)
}

// ProbeOffline checks every offline worker whose runtime can be probed and
// readmits the ones that answer. It returns the readmitted worker ids.
func (e *Engine) ProbeOffline(ctx context.Context) []string {
	var back []string
	for _, info := range e.Pool.Workers() {
		if info.State != core.WorkerOffline {
			continue
		}
		w, ok := e.Pool.Worker(info.ID)
		if !ok {
			continue
		}
		prober, ok := w.Runtime.(core.Prober)
		if !ok {
			continue
		}
		if err := prober.Probe(ctx); err != nil {
			glog.V(1).Infof("worker %s still offline: %v", info.ID, err)
			continue
		}
		if err := e.Pool.Readmit(info.ID); err != nil {
			glog.Warningf("readmit %s: %v", info.ID, err)
			continue
		}
		glog.Infof("worker %s readmitted", info.ID)
		back = append(back, info.ID)
	}
	return back
}

// Close drains pending events and closes the store.
func (e *Engine) Close() error {
	e.Bus.Close()
	var errs []error
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	return errors.Join(errs...)
}

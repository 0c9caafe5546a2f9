// Package server exposes the engine over HTTP: submit pipelines, follow and
// cancel runs, inspect workers and verify the ledger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"

	"blockci/internal/core"
	"blockci/internal/engine"
	"blockci/internal/store"
)

const (
	maxPipelineSize = 1 << 20
	pruneAfter      = time.Minute
)

type Server struct {
	engine *engine.Engine

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*core.PipelineRun
}

func New(e *engine.Engine) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine: e,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*core.PipelineRun),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.handleSubmitPipeline)
		r.Get("/{id}", s.handleGetPipeline)
		r.Delete("/{id}", s.handleCancelPipeline)
		r.Get("/{id}/jobs/{job}/output", s.handleJobOutput)
	})
	r.Get("/runs", s.handleListRuns)

	r.Get("/workers", s.handleListWorkers)
	r.Post("/workers/{id}/readmit", s.handleReadmit)

	r.Get("/ledger/verify", s.handleVerifyLedger)
	return r
}

// Shutdown cancels every live run and waits for them to finish.
func (s *Server) Shutdown() {
	s.cancel()
	s.mu.Lock()
	runs := make([]*core.PipelineRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.Unlock()
	for _, run := range runs {
		run.Wait()
	}
}

//=============================== pipelines ===============================//

// POST /pipelines -> submit a new pipeline YAML
func (s *Server) handleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPipelineSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	p, err := core.ParsePipeline(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.engine.Runner.Start(s.ctx, p)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, core.ErrDefinition) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err.Error())
		return
	}

	s.mu.Lock()
	s.pruneLocked()
	s.runs[run.ID] = run
	s.mu.Unlock()

	glog.Infof("pipeline %s submitted as run %s", p.Name(), run.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     run.ID,
		"status": string(core.PipelineRunning),
	})
}

// GET /pipelines/{id}
func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	res, err := s.lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DELETE /pipelines/{id}
func (s *Server) handleCancelPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	run, ok := s.runs[id]
	s.mu.Unlock()

	if !ok {
		if _, err := s.lookup(r.Context(), id); err != nil {
			writeLookupError(w, err)
			return
		}
		writeError(w, http.StatusConflict, "run already finished")
		return
	}
	if run.Snapshot().Status != core.PipelineRunning {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}

	run.Cancel()
	glog.Infof("run %s cancelled through the API", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

// GET /pipelines/{id}/jobs/{job}/output returns the output of the step that
// failed the job.
func (s *Server) handleJobOutput(w http.ResponseWriter, r *http.Request) {
	res, err := s.lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	job, ok := res.Job(chi.URLParam(r, "job"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Failure == nil || job.Failure.Output == "" {
		writeError(w, http.StatusNotFound, "job has no failure output")
		return
	}
	data, err := s.engine.Logs.ReadLog(job.Failure.Output)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

// GET /runs?limit=
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if s.engine.Store == nil {
		writeJSON(w, http.StatusOK, s.liveSummaries(limit))
		return
	}
	runs, err := s.engine.Store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

//=============================== workers ================================//

// GET /workers
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Pool.Workers())
}

// POST /workers/{id}/readmit
func (s *Server) handleReadmit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Pool.Readmit(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	glog.Infof("worker %s readmitted through the API", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(core.WorkerIdle)})
}

//================================ ledger =================================//

// GET /ledger/verify -> run VerifyChain
func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	l := s.engine.Ledger
	if l == nil {
		writeError(w, http.StatusNotFound, "ledger is disabled")
		return
	}
	if err := l.VerifyChain(); err != nil {
		writeError(w, http.StatusConflict, "ledger verification failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "blocks": l.Len()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

//================================ helpers ================================//

// lookup returns the live snapshot of a run, or its stored result.
func (s *Server) lookup(ctx context.Context, id string) (*core.PipelineResult, error) {
	s.mu.Lock()
	run, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		snap := run.Snapshot()
		return &snap, nil
	}
	if s.engine.Store == nil {
		return nil, store.ErrNotFound
	}
	return s.engine.Store.GetRun(ctx, id)
}

func (s *Server) liveSummaries(limit int) []store.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.RunSummary, 0, len(s.runs))
	for _, run := range s.runs {
		snap := run.Snapshot()
		sum := store.RunSummary{
			ID:         snap.RunID,
			Pipeline:   snap.Pipeline,
			Status:     snap.Status,
			Cancelled:  snap.Cancelled,
			Jobs:       len(snap.Jobs),
			StartedAt:  snap.StartedAt,
			FinishedAt: snap.FinishedAt,
		}
		for _, j := range snap.Jobs {
			if j.Status == core.JobFailed {
				sum.Failed++
			}
		}
		out = append(out, sum)
	}
	sortRecentFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// pruneLocked forgets runs that finished a while ago; by then the store
// holds them.
func (s *Server) pruneLocked() {
	if s.engine.Store == nil {
		return
	}
	for id, run := range s.runs {
		select {
		case <-run.Done():
			if time.Since(run.Snapshot().FinishedAt) > pruneAfter {
				delete(s.runs, id)
			}
		default:
		}
	}
}

func sortRecentFirst(runs []store.RunSummary) {
	slices.SortFunc(runs, func(a, b store.RunSummary) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

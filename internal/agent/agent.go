// Package agent is the HTTP side of a remote worker: it runs commands it
// receives with the local shell and answers with the exit code and output.
package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"

	"blockci/internal/runtime"
)

type Agent struct {
	ID string
	// BaseDir confines request workdirs. Empty puts them under the system
	// temp dir; a request with no workdir then gets a throwaway directory.
	BaseDir string
}

func New(id, baseDir string) *Agent {
	return &Agent{ID: id, BaseDir: baseDir}
}

// Router returns the agent's HTTP handler.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.handleHealth)
	r.Post("/run", a.handleRun)
	r.Delete("/workdirs/{name}", a.handleRemoveWorkdir)
	return r
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"id": a.ID, "status": "ok"})
}

// POST /run
func (a *Agent) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runtime.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}

	shell := runtime.NewShell(a.workdir(req.Workdir))
	session, err := shell.Open(r.Context(), req.Image)
	if err != nil {
		glog.Errorf("agent %s: open shell: %v", a.ID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer session.Close(r.Context())

	glog.Infof("agent %s: running %q", a.ID, req.Command)
	var out bytes.Buffer
	res, err := session.Run(r.Context(), req.Command, &out)
	if err != nil {
		glog.Errorf("agent %s: %q: %v", a.ID, req.Command, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runtime.RunResponse{ExitCode: res.ExitCode, Output: out.String()})
}

func (a *Agent) workdir(requested string) string {
	if requested == "" {
		return a.BaseDir
	}
	// keep requests inside the root
	return filepath.Join(a.root(), filepath.Clean("/"+requested))
}

func (a *Agent) root() string {
	if a.BaseDir != "" {
		return a.BaseDir
	}
	return filepath.Join(os.TempDir(), "blockci-agent")
}

// DELETE /workdirs/{name} removes a session workdir once its job is done.
func (a *Agent) handleRemoveWorkdir(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !strings.HasPrefix(name, "session-") || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		http.Error(w, "not a session workdir", http.StatusBadRequest)
		return
	}
	dir := filepath.Join(a.root(), name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		http.Error(w, "no such workdir", http.StatusNotFound)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		glog.Errorf("agent %s: remove %s: %v", a.ID, dir, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	glog.V(1).Infof("agent %s: removed %s", a.ID, dir)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"blockci/internal/core"
)

// RunRequest is the body of POST /run on an agent.
type RunRequest struct {
	Image   string `json:"image"`
	Command string `json:"command"`
	Workdir string `json:"workdir,omitempty"`
}

// RunResponse is what an agent answers once the command has exited.
type RunResponse struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Agent delegates commands to a remote agent over HTTP. Any transport error
// or non-200 answer is an infrastructure failure.
//
// Every command of one session runs in the same workdir on the agent. With
// no Workdir configured each session gets its own, removed on Close.
type Agent struct {
	BaseURL string
	Workdir string
	HTTP    *http.Client
}

func NewAgent(baseURL, workdir string) *Agent {
	return &Agent{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Workdir: workdir,
		HTTP:    &http.Client{},
	}
}

func (a *Agent) Open(ctx context.Context, image string) (core.Session, error) {
	if err := a.Probe(ctx); err != nil {
		return nil, err
	}
	s := &agentSession{agent: a, image: image, workdir: a.Workdir}
	if s.workdir == "" {
		s.workdir = "session-" + uuid.NewString()
		s.owned = true
	}
	return s, nil
}

// Probe checks the agent's health endpoint.
func (a *Agent) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent %s: health check returned %s", a.BaseURL, resp.Status)
	}
	return nil
}

func (a *Agent) client() *http.Client {
	if a.HTTP == nil {
		return http.DefaultClient
	}
	return a.HTTP
}

type agentSession struct {
	agent   *Agent
	image   string
	workdir string
	owned   bool
}

func (s *agentSession) Run(ctx context.Context, command string, out io.Writer) (core.ExitOutcome, error) {
	body, err := json.Marshal(RunRequest{Image: s.image, Command: command, Workdir: s.workdir})
	if err != nil {
		return core.ExitOutcome{ExitCode: -1}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.agent.BaseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return core.ExitOutcome{ExitCode: -1}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.agent.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return core.ExitOutcome{ExitCode: -1}, ctx.Err()
		}
		return core.ExitOutcome{ExitCode: -1}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return core.ExitOutcome{ExitCode: -1}, fmt.Errorf("agent %s: %s: %s", s.agent.BaseURL, resp.Status, strings.TrimSpace(string(msg)))
	}

	var rr RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return core.ExitOutcome{ExitCode: -1}, fmt.Errorf("agent %s: decode response: %w", s.agent.BaseURL, err)
	}
	if _, err := io.WriteString(out, rr.Output); err != nil {
		return core.ExitOutcome{ExitCode: -1}, err
	}
	return core.ExitOutcome{ExitCode: rr.ExitCode}, nil
}

func (s *agentSession) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.agent.BaseURL+"/workdirs/"+s.workdir, nil)
	if err != nil {
		return err
	}
	resp, err := s.agent.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("agent %s: remove workdir %s: %s", s.agent.BaseURL, s.workdir, resp.Status)
	}
	return nil
}

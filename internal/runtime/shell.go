// Package runtime holds the adapters that turn a worker into a place where
// job commands actually run.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/golang/glog"

	"blockci/internal/core"
)

// Shell runs commands with `sh -c` on the local host. The job image is
// ignored.
type Shell struct {
	// Workdir is where commands run. When empty every session gets a fresh
	// temporary directory that is removed on Close.
	Workdir string
	Env     []string
}

func NewShell(workdir string) *Shell { return &Shell{Workdir: workdir} }

func (s *Shell) Open(ctx context.Context, image string) (core.Session, error) {
	if image != "" {
		glog.V(1).Infof("shell runtime: ignoring image %s", image)
	}
	if s.Workdir != "" {
		if err := os.MkdirAll(s.Workdir, 0o755); err != nil {
			return nil, fmt.Errorf("create workdir: %w", err)
		}
		return &shellSession{dir: s.Workdir, env: s.Env}, nil
	}
	dir, err := os.MkdirTemp("", "blockci-")
	if err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	return &shellSession{dir: dir, env: s.Env, temp: true}, nil
}

// Probe reports whether a shell can be started at all.
func (s *Shell) Probe(ctx context.Context) error {
	_, err := exec.LookPath("sh")
	return err
}

type shellSession struct {
	dir  string
	env  []string
	temp bool
}

func (s *shellSession) Run(ctx context.Context, command string, out io.Writer) (core.ExitOutcome, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return core.ExitOutcome{ExitCode: -1}, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return core.ExitOutcome{ExitCode: exitErr.ExitCode()}, nil
	}
	if err != nil {
		return core.ExitOutcome{ExitCode: -1}, err
	}
	return core.ExitOutcome{ExitCode: 0}, nil
}

func (s *shellSession) Close(ctx context.Context) error {
	if !s.temp {
		return nil
	}
	return os.RemoveAll(s.dir)
}

package core

import (
	"context"
	"io"
)

// Runtime provisions isolated execution contexts on a worker.
type Runtime interface {
	// Open prepares an execution context for image. Errors are
	// infrastructure failures.
	Open(ctx context.Context, image string) (Session, error)
}

// Session runs the commands of one job inside the context opened for it.
type Session interface {
	// Run executes command and streams its combined output to out. A
	// non-zero exit is reported through ExitOutcome, not as an error; an
	// error means the command could not be run or observed.
	Run(ctx context.Context, command string, out io.Writer) (ExitOutcome, error)
	Close(ctx context.Context) error
}

type ExitOutcome struct {
	ExitCode int
}

// Prober is implemented by runtimes that can check whether their worker is
// reachable again.
type Prober interface {
	Probe(ctx context.Context) error
}

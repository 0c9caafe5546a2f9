// Package store keeps the history of pipeline runs.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"blockci/internal/core"
)

var ErrNotFound = errors.New("run not found")

// Store persists finished pipeline runs.
type Store interface {
	SaveRun(ctx context.Context, res *core.PipelineResult) error
	GetRun(ctx context.Context, id string) (*core.PipelineResult, error)
	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
	Close() error
}

type RunSummary struct {
	ID         string              `json:"id"`
	Pipeline   string              `json:"pipeline"`
	Status     core.PipelineStatus `json:"status"`
	Cancelled  bool                `json:"cancelled,omitempty"`
	Jobs       int                 `json:"jobs"`
	Failed     int                 `json:"failed"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Open picks the backend from the DSN: postgres:// and postgresql:// URLs go
// to PostgreSQL, anything else is a SQLite file path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresStorage(ctx, dsn)
	}
	return NewSQLiteStorage(dsn)
}

// Sink saves every finished run. Register it behind an events.Bus so the
// write does not hold up the engine.
type Sink struct {
	Store   Store
	Timeout time.Duration
}

func (s Sink) Observe(ev core.Event) {
	if ev.Kind != core.EventPipelineFinished || ev.PipelineResult == nil {
		return
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Store.SaveRun(ctx, ev.PipelineResult); err != nil {
		logSaveError(ev.RunID, err)
	}
}

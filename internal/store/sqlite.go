package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"blockci/internal/core"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return s, nil
}

func (s *SQLiteStorage) Close() error { return s.db.Close() }

func (s *SQLiteStorage) runMigrations() error {
	_, err := s.db.Exec(sqliteSchema)
	return err
}

func (s *SQLiteStorage) SaveRun(ctx context.Context, res *core.PipelineResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO runs (id, pipeline, status, cancelled, started_at, finished_at, jobs, failed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status, cancelled=excluded.cancelled, finished_at=excluded.finished_at,
  jobs=excluded.jobs, failed=excluded.failed`,
		res.RunID, res.Pipeline, string(res.Status), res.Cancelled, res.StartedAt.UTC(), res.FinishedAt.UTC(), len(res.Jobs), failedJobs(res))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_results WHERE run_id = ?`, res.RunID); err != nil {
		return err
	}

	for i, j := range res.Jobs {
		r := toRow(j)
		_, err := tx.ExecContext(ctx, `
INSERT INTO job_results (run_id, position, job, status, reason, worker, error, attempts, allow_failure,
  failed_phase, failed_command, exit_code, output, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, i, r.Job, r.Status, r.Reason, r.Worker, r.Error, r.Attempts, r.AllowFailure,
			r.Phase, r.Command, r.ExitCode, r.Output, r.StartedAt, r.FinishedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*core.PipelineResult, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, pipeline, status, cancelled, started_at, finished_at, jobs, failed FROM runs WHERE id = ?`, id)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT job, status, reason, worker, error, attempts, allow_failure,
  failed_phase, failed_command, exit_code, output, started_at, finished_at
FROM job_results WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := &core.PipelineResult{
		RunID:      sum.ID,
		Pipeline:   sum.Pipeline,
		Status:     sum.Status,
		Cancelled:  sum.Cancelled,
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.FinishedAt,
	}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res.Jobs = append(res.Jobs, j)
	}
	return res, rows.Err()
}

func (s *SQLiteStorage) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, pipeline, status, cancelled, started_at, finished_at, jobs, failed
FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		r, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
  id          TEXT PRIMARY KEY,
  pipeline    TEXT NOT NULL,
  status      TEXT NOT NULL,          -- succeeded|failed
  cancelled   BOOLEAN NOT NULL DEFAULT 0,
  started_at  TIMESTAMP NOT NULL,
  finished_at TIMESTAMP NOT NULL,
  jobs        INTEGER NOT NULL DEFAULT 0,
  failed      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS job_results (
  run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  position       INTEGER NOT NULL,
  job            TEXT NOT NULL,
  status         TEXT NOT NULL,
  reason         TEXT NOT NULL DEFAULT '',
  worker         TEXT NOT NULL DEFAULT '',
  error          TEXT NOT NULL DEFAULT '',
  attempts       INTEGER NOT NULL DEFAULT 0,
  allow_failure  BOOLEAN NOT NULL DEFAULT 0,
  failed_phase   TEXT NOT NULL DEFAULT '',
  failed_command TEXT NOT NULL DEFAULT '',
  exit_code      INTEGER NOT NULL DEFAULT 0,
  output         TEXT NOT NULL DEFAULT '',
  started_at     TIMESTAMP NOT NULL,
  finished_at    TIMESTAMP NOT NULL,
  PRIMARY KEY (run_id, position)
);
`

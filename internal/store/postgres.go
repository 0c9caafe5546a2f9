package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"blockci/internal/core"
)

type PostgresStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStorage) SaveRun(ctx context.Context, res *core.PipelineResult) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO runs (id, pipeline, status, cancelled, started_at, finished_at, jobs, failed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status, cancelled = EXCLUDED.cancelled, finished_at = EXCLUDED.finished_at,
  jobs = EXCLUDED.jobs, failed = EXCLUDED.failed`,
			res.RunID, res.Pipeline, string(res.Status), res.Cancelled, res.StartedAt.UTC(), res.FinishedAt.UTC(), len(res.Jobs), failedJobs(res))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM job_results WHERE run_id = $1`, res.RunID); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, j := range res.Jobs {
			r := toRow(j)
			batch.Queue(`
INSERT INTO job_results (run_id, position, job, status, reason, worker, error, attempts, allow_failure,
  failed_phase, failed_command, exit_code, output, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
				res.RunID, i, r.Job, r.Status, r.Reason, r.Worker, r.Error, r.Attempts, r.AllowFailure,
				r.Phase, r.Command, r.ExitCode, r.Output, r.StartedAt, r.FinishedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStorage) GetRun(ctx context.Context, id string) (*core.PipelineResult, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, pipeline, status, cancelled, started_at, finished_at, jobs, failed FROM runs WHERE id = $1`, id)
	sum, err := scanSummary(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT job, status, reason, worker, error, attempts, allow_failure,
  failed_phase, failed_command, exit_code, output, started_at, finished_at
FROM job_results WHERE run_id = $1 ORDER BY position`, id)
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

func (s *PostgresStorage) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, pipeline, status, cancelled, started_at, finished_at, jobs, failed
FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
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

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
  id          TEXT PRIMARY KEY,
  pipeline    TEXT NOT NULL,
  status      TEXT NOT NULL,
  cancelled   BOOLEAN NOT NULL DEFAULT FALSE,
  started_at  TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ NOT NULL,
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
  allow_failure  BOOLEAN NOT NULL DEFAULT FALSE,
  failed_phase   TEXT NOT NULL DEFAULT '',
  failed_command TEXT NOT NULL DEFAULT '',
  exit_code      INTEGER NOT NULL DEFAULT 0,
  output         TEXT NOT NULL DEFAULT '',
  started_at     TIMESTAMPTZ NOT NULL,
  finished_at    TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (run_id, position)
);
`

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/preprint-harvester/internal/store"
)

var _ store.RunRepository = (*Store)(nil)

const runColumns = `id, kind, server, started_at, finished_at, status, days, failed_days, ingested, error_message`

// StartRun inserts a running row; replays keep the original start time.
func (s *Store) StartRun(ctx context.Context, id uuid.UUID, kind, server string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO sync_runs (id, kind, server, started_at, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`, id, kind, server, at, string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("start run %s: %w", id, err)
	}
	return nil
}

// AddRunProgress applies day and record deltas to a run.
func (s *Store) AddRunProgress(ctx context.Context, id uuid.UUID, days, failedDays, ingested int64) error {
	_, err := s.pool.Exec(ctx, `
UPDATE sync_runs
SET days = days + $2, failed_days = failed_days + $3, ingested = ingested + $4
WHERE id = $1`, id, days, failedDays, ingested)
	if err != nil {
		return fmt.Errorf("update run %s progress: %w", id, err)
	}
	return nil
}

// FinishRun marks a run finished.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, at time.Time, status store.RunStatus, errMsg *string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE sync_runs SET finished_at = $2, status = $3, error_message = $4
WHERE id = $1`, id, at, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (store.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM sync_runs
WHERE ($1::text IS NULL OR status = $1::text)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.Kind,
		&run.Server,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Days,
		&run.FailedDays,
		&run.Ingested,
		&run.Error,
	)
	run.Status = store.RunStatus(status)
	return run, err
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus mirrors the sync_runs status column.
type RunStatus string

// Run statuses persisted in sync_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models one sync, PDF or backfill run.
type Run struct {
	ID         uuid.UUID  `json:"id"`
	Kind       string     `json:"kind"`
	Server     string     `json:"server,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	// Days counts processed days; FailedDays those that ended fetch-failed.
	Days       int64   `json:"days"`
	FailedDays int64   `json:"failed_days"`
	Ingested   int64   `json:"ingested"`
	Error      *string `json:"error,omitempty"`
}

// RunRepository persists run history.
type RunRepository interface {
	// StartRun inserts (or idempotently keeps) a running row.
	StartRun(ctx context.Context, id uuid.UUID, kind, server string, at time.Time) error
	// AddRunProgress applies day and record deltas.
	AddRunProgress(ctx context.Context, id uuid.UUID, days, failedDays, ingested int64) error
	// FinishRun marks the run finished with the provided status and error.
	FinishRun(ctx context.Context, id uuid.UUID, at time.Time, status RunStatus, errMsg *string) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}

package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/preprint-harvester/internal/store"
)

var runCols = []string{
	"id", "kind", "server", "started_at", "finished_at", "status",
	"days", "failed_days", "ingested", "error_message",
}

func TestStartRunIsIdempotent(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sync_runs")).
		WithArgs(id, "sync", "medrxiv", stamp, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.StartRun(context.Background(), id, "sync", "medrxiv", stamp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddRunProgressAndFinish(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	id := uuid.New()
	msg := "2 days failed"
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sync_runs\nSET days = days + $2")).
		WithArgs(id, int64(3), int64(1), int64(40)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sync_runs SET finished_at")).
		WithArgs(id, stamp, "error", &msg).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, s.AddRunProgress(ctx, id, 3, 1, 40))
	require.NoError(t, s.FinishRun(ctx, id, stamp, store.RunError, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM sync_runs WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow(id, "sync", "medrxiv", stamp, nil, "running", int64(2), int64(0), int64(7), nil))

	run, err := s.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, run.ID)
	require.Equal(t, store.RunRunning, run.Status)
	require.Equal(t, int64(7), run.Ingested)
	require.Nil(t, run.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM sync_runs WHERE id = $1")).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListRunsDefaultsLimit(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM sync_runs")).
		WithArgs((*string)(nil), 20, 0).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow(id, "pdfs", "", stamp, nil, "success", int64(0), int64(0), int64(0), nil))

	runs, err := s.ListRuns(context.Background(), nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "pdfs", runs[0].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

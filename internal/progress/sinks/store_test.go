package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/preprint-harvester/internal/progress"
	"github.com/JakeFAU/preprint-harvester/internal/storage/memory"
	"github.com/JakeFAU/preprint-harvester/internal/store"
)

// TestStoreSinkPersistsRuns ensures day deltas are collapsed and the run is finished.
func TestStoreSinkPersistsRuns(t *testing.T) {
	t.Parallel()

	repo := memory.NewRunStore()
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now().UTC()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, Kind: "sync", Server: "medrxiv"},
		{RunID: runID, Stage: progress.StageDayDone, TS: now, Day: "2024-01-01", DayStatus: "fetched-new", Records: 4},
		{RunID: runID, Stage: progress.StageDayDone, TS: now, Day: "2024-01-02", DayStatus: "fetch-failed"},
		{RunID: runID, Stage: progress.StageDayDone, TS: now, Day: "2024-01-03", DayStatus: "cached"},
		{RunID: runID, Stage: progress.StageRunError, TS: now.Add(time.Minute), Note: "1 day failed"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	run, err := repo.GetRun(context.Background(), runUUID)
	require.NoError(t, err)
	require.Equal(t, int64(3), run.Days)
	require.Equal(t, int64(1), run.FailedDays)
	require.Equal(t, int64(4), run.Ingested)
	require.Equal(t, store.RunError, run.Status)
	require.NotNil(t, run.Error)
	require.Equal(t, "1 day failed", *run.Error)
}

// TestStoreSinkFlushesOpenRuns keeps deltas for runs still in progress.
func TestStoreSinkFlushesOpenRuns(t *testing.T) {
	t.Parallel()

	repo := memory.NewRunStore()
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now().UTC()
	ctx := context.Background()

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, Kind: "sync"},
	}))
	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{RunID: runID, Stage: progress.StageDayDone, TS: now, Day: "2024-01-01", DayStatus: "fetched-new", Records: 2},
	}))

	run, err := repo.GetRun(ctx, runUUID)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)
	require.Equal(t, int64(2), run.Ingested)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(failingRepo{}, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)
}

type failingRepo struct{}

func (failingRepo) StartRun(context.Context, uuid.UUID, string, string, time.Time) error {
	return assertErr("start")
}

func (failingRepo) AddRunProgress(context.Context, uuid.UUID, int64, int64, int64) error {
	return assertErr("progress")
}

func (failingRepo) FinishRun(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return assertErr("finish")
}

func (failingRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, assertErr("get")
}

func (failingRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, assertErr("list")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/preprint-harvester/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Kind: "sync"},
		{
			RunID:     runID,
			TS:        now.Add(time.Second),
			Stage:     progress.StageDayDone,
			Server:    "medrxiv",
			Day:       "2024-01-01",
			DayStatus: "fetched-new",
			Records:   12,
			Dur:       200 * time.Millisecond,
		},
		{RunID: runID, TS: now, Stage: progress.StageDayDone, Server: "medrxiv", Day: "2024-01-02", DayStatus: "fetch-failed"},
		{RunID: runID, TS: now, Stage: progress.StageItems, Label: "pdfs", Records: 100},
		{RunID: runID, TS: now, Stage: progress.StageItems, Label: "pdfs", Records: 130},
		{RunID: runID, TS: now, Stage: progress.StageNotice, Kind: "sync", Note: "catalog fetch stopped"},
		{RunID: runID, TS: now.Add(15 * time.Second), Stage: progress.StageRunDone, Kind: "sync", Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues("sync")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("sync", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("sync", "error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.days.WithLabelValues("medrxiv", "fetched-new")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.days.WithLabelValues("medrxiv", "fetch-failed")), 1e-9)
	require.InDelta(t, 12.0, testutil.ToFloat64(sink.ingested.WithLabelValues("medrxiv")), 1e-9)
	require.InDelta(t, 130.0, testutil.ToFloat64(sink.itemsObserved.WithLabelValues("pdfs")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.notices.WithLabelValues("sync")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.dayDuration, "harvester_sync_day_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

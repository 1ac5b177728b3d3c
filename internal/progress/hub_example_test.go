package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit follows one sync run through the hub. The terminal event
// flushes the batch without waiting for MaxBatchWait.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Hour,
	}, sink)

	runID := UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	hub.Emit(Event{RunID: runID, TS: time.Unix(0, 0), Stage: StageRunStart, Kind: "sync", Server: "medrxiv"})
	hub.Emit(Event{RunID: runID, TS: time.Unix(1, 0), Stage: StageNotice})
	hub.Emit(Event{RunID: runID, TS: time.Unix(2, 0), Stage: StageRunDone, Kind: "sync", Server: "medrxiv"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	stats := hub.Stats()
	fmt.Printf("events forwarded: %d\n", sink.total)
	fmt.Printf("accepted=%d invalid=%d flushes=%d\n", stats.Accepted, stats.Invalid, stats.Flushes)
	// Output:
	// events forwarded: 2
	// accepted=2 invalid=1 flushes=1
}

// ExampleSink implements a custom Sink that totals newly ingested records.
func ExampleSink() {
	var ingested int64
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageDayDone {
				ingested += evt.Records
			}
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     2,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, capture)

	hub.Emit(Event{
		RunID:     UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000002")),
		TS:        time.Unix(0, 0),
		Stage:     StageDayDone,
		Server:    "medrxiv",
		Day:       "2024-01-01",
		DayStatus: "fetched-new",
		Records:   512,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("records ingested: %d\n", ingested)
	// Output:
	// records ingested: 512
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

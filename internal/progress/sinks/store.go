package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/progress"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
	"github.com/JakeFAU/preprint-harvester/internal/store"
)

// StoreSink persists run history via a store.RunRepository. It collapses
// per-day deltas within a batch to reduce write amplification.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type runDelta struct {
	days, failed, ingested int64
}

// Consume forwards run lifecycle changes to the repository. Deltas for a run
// are flushed before that run's completion so the final row is consistent.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*runDelta)
	flush := func(id uuid.UUID) error {
		d := deltas[id]
		if d == nil {
			return nil
		}
		delete(deltas, id)
		if err := s.repo.AddRunProgress(ctx, id, d.days, d.failed, d.ingested); err != nil {
			return fmt.Errorf("add run progress: %w", err)
		}
		return nil
	}

	for _, evt := range batch {
		id := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, id, evt.Kind, evt.Server, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageDayDone:
			d := deltas[id]
			if d == nil {
				d = &runDelta{}
				deltas[id] = d
			}
			d.days++
			if evt.DayStatus == string(publication.DayFetchFailed) {
				d.failed++
			}
			d.ingested += evt.Records
		case progress.StageRunDone, progress.StageRunError:
			if err := flush(id); err != nil {
				return err
			}
			status := store.RunSuccess
			var note *string
			if evt.Stage == progress.StageRunError {
				status = store.RunError
				if evt.Note != "" {
					note = &evt.Note
				}
			}
			if err := s.repo.FinishRun(ctx, id, evt.TS, status, note); err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
		}
	}
	for id := range deltas {
		if err := flush(id); err != nil {
			return err
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/preprint-harvester/internal/store"
)

var _ store.RunRepository = (*RunStore)(nil)

// RunStore keeps run history in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.Run
}

// NewRunStore constructs an empty run store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]store.Run)}
}

// StartRun records a running row unless one exists.
func (s *RunStore) StartRun(_ context.Context, id uuid.UUID, kind, server string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return nil
	}
	s.runs[id] = store.Run{ID: id, Kind: kind, Server: server, StartedAt: at, Status: store.RunRunning}
	return nil
}

// AddRunProgress applies deltas; unknown runs are ignored.
func (s *RunStore) AddRunProgress(_ context.Context, id uuid.UUID, days, failedDays, ingested int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil
	}
	run.Days += days
	run.FailedDays += failedDays
	run.Ingested += ingested
	s.runs[id] = run
	return nil
}

// FinishRun marks the run finished.
func (s *RunStore) FinishRun(_ context.Context, id uuid.UUID, at time.Time, status store.RunStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil
	}
	run.FinishedAt = &at
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.Error = &msg
	}
	s.runs[id] = run
	return nil
}

// GetRun returns a run or store.ErrNotFound.
func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status == nil || run.Status == *status {
			out = append(out, run)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b store.Run) int { return cmp.Compare(b.StartedAt.UnixNano(), a.StartedAt.UnixNano()) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	return out[:min(limit, len(out))], nil
}

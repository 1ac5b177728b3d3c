package progress

import (
	"context"

	"github.com/google/uuid"
)

type runIDKey struct{}

// WithRunID preassigns the run ID that the next run started with ctx uses.
// Callers that must hand out an ID before the run begins set it here.
func WithRunID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the preassigned run ID, if any.
func RunIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(runIDKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

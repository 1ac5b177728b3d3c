// Package queue defines the background job type and the queue abstraction the
// dispatcher consumes.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicate is returned when a job with the same Key is already waiting.
var ErrDuplicate = errors.New("job with the same key already queued")

// Job is one unit of background work. ID doubles as the run ID that the
// job's progress events and run history use.
type Job struct {
	ID   uuid.UUID
	Kind string
	// Key, when set, allows at most one waiting job per key. A running job
	// no longer holds its key.
	Key       string
	Submitted time.Time
	Run       func(ctx context.Context) error
}

// Queue holds jobs until a worker takes them.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
}

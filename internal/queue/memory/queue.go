// Package memory provides the in-process job queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/preprint-harvester/internal/queue"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

var _ queue.Queue = (*Queue)(nil)

// Queue is a bounded FIFO of jobs. Jobs carrying a Key are coalesced: while
// one is waiting, another with the same key is refused with
// queue.ErrDuplicate.
type Queue struct {
	ch chan queue.Job

	closeMu sync.RWMutex
	closed  bool

	keysMu sync.Mutex
	keys   map[string]struct{}
}

// NewQueue returns a queue holding up to capacity waiting jobs.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan queue.Job, max(capacity, 0)),
		keys: make(map[string]struct{}),
	}
}

// Enqueue blocks until the job fits or ctx ends. Close waits for blocked
// Enqueue calls.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	if !q.reserve(job.Key) {
		return fmt.Errorf("enqueue %s: %w", job.Key, queue.ErrDuplicate)
	}
	select {
	case <-ctx.Done():
		q.release(job.Key)
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// TryEnqueue adds job only when there is room and its key is free.
func (q *Queue) TryEnqueue(job queue.Job) bool {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed || !q.reserve(job.Key) {
		return false
	}
	select {
	case q.ch <- job:
		return true
	default:
		q.release(job.Key)
		return false
	}
}

// Dequeue pops the oldest job and frees its key.
func (q *Queue) Dequeue(ctx context.Context) (queue.Job, error) {
	select {
	case <-ctx.Done():
		return queue.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return queue.Job{}, ErrClosed
		}
		q.release(job.Key)
		return job, nil
	}
}

// Len reports the number of waiting jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Waiting reports whether a job with key is queued.
func (q *Queue) Waiting(key string) bool {
	q.keysMu.Lock()
	defer q.keysMu.Unlock()
	_, ok := q.keys[key]
	return ok
}

// Close stops intake. Jobs already queued can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

func (q *Queue) reserve(key string) bool {
	if key == "" {
		return true
	}
	q.keysMu.Lock()
	defer q.keysMu.Unlock()
	if _, taken := q.keys[key]; taken {
		return false
	}
	q.keys[key] = struct{}{}
	return true
}

func (q *Queue) release(key string) {
	if key == "" {
		return
	}
	q.keysMu.Lock()
	delete(q.keys, key)
	q.keysMu.Unlock()
}

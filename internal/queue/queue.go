package queue

import (
	"context"
	"errors"

	"jobqueue/internal/models"
)

// ErrClosed is returned by every operation once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue yields job ids by priority, then FIFO within a priority tier.
type Queue interface {
	// Enqueue adds id at priority. Enqueueing an id that is already present is a no-op.
	Enqueue(ctx context.Context, id string, priority models.Priority) error
	// Dequeue blocks until an id is available, ctx is done, or the queue is closed.
	Dequeue(ctx context.Context) (string, error)
	// Remove drops id if it is still waiting. It reports whether anything was removed.
	Remove(ctx context.Context, id string) (bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

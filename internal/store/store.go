package store

import (
	"context"
	"encoding/json"
	"time"

	"jobqueue/internal/models"
)

// Store is the durable record of job state. Every successful write is
// persisted before the call returns.
type Store interface {
	// Create persists a new job in PENDING. An empty ID is replaced by a generated one.
	Create(ctx context.Context, job models.Job) (models.Job, error)
	Get(ctx context.Context, id string) (models.Job, error)
	// Update applies a partial change atomically, validating the status transition.
	Update(ctx context.Context, id string, u Update) (models.Job, error)
	// List returns jobs matching f, newest first.
	List(ctx context.Context, f Filter) ([]models.Job, error)
	// CountByStatus returns the number of jobs per status.
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
	// Delete removes a single terminal job.
	Delete(ctx context.Context, id string) error
	// DeleteOlderThan removes terminal jobs in statuses completed before cutoff.
	DeleteOlderThan(ctx context.Context, statuses []models.Status, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Update describes a partial change to a job. Nil fields are left untouched.
type Update struct {
	// IfStatus, when non-empty, requires the current status to be one of these.
	IfStatus []models.Status

	Status   *models.Status
	Progress *int
	Result   json.RawMessage
	Error    *string
	Attempts *int
	Priority *models.Priority
	WorkerID *string
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Statuses []models.Status
	Type     string
	Priority models.Priority
	Limit    int
	Offset   int
}

// DefaultListLimit caps List when the filter does not set a limit.
const DefaultListLimit = 100

// StatusPtr is a convenience for building updates.
func StatusPtr(s models.Status) *models.Status { return &s }

// IntPtr is a convenience for building updates.
func IntPtr(v int) *int { return &v }

// StringPtr is a convenience for building updates.
func StringPtr(v string) *string { return &v }

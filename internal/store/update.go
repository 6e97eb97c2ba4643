package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"jobqueue/internal/models"
)

// ErrConflict is returned when a compare-and-swap update keeps losing to concurrent writers.
var ErrConflict = errors.New("concurrent modification")

const maxSwapAttempts = 8

// apply computes the next version of job under u. It never touches the backend.
func apply(job models.Job, u Update, now time.Time) (models.Job, error) {
	if len(u.IfStatus) > 0 && !slices.Contains(u.IfStatus, job.Status) {
		return job, fmt.Errorf("%w: job %s is %s", models.ErrInvalidTransition, job.ID, job.Status)
	}

	next := job
	if u.Status != nil && *u.Status != job.Status {
		to := *u.Status
		if err := models.CheckTransition(job.Status, to); err != nil {
			return job, err
		}
		if models.IsRetry(job.Status, to) {
			if job.Attempts >= job.MaxAttempts {
				return job, fmt.Errorf("%w: %d of %d attempts used", models.ErrRetryLimitExceeded, job.Attempts, job.MaxAttempts)
			}
			next.Attempts = job.Attempts + 1
			next.Progress = 0
			next.Result = nil
			next.Error = nil
			next.WorkerID = nil
			next.StartedAt = nil
			next.CompletedAt = nil
		}
		switch {
		case to == models.StatusRunning:
			next.StartedAt = &now
		case to.Terminal():
			next.CompletedAt = &now
		}
		next.Status = to
	}

	if u.Attempts != nil {
		if *u.Attempts < next.Attempts {
			return job, fmt.Errorf("%w: attempts cannot decrease", models.ErrInvalidTransition)
		}
		if *u.Attempts > next.MaxAttempts {
			return job, fmt.Errorf("%w: %d exceeds %d", models.ErrRetryLimitExceeded, *u.Attempts, next.MaxAttempts)
		}
		next.Attempts = *u.Attempts
	}
	if u.Progress != nil {
		// Progress never moves backwards within an attempt.
		p := min(max(*u.Progress, 0), 100)
		if p > next.Progress {
			next.Progress = p
		}
	}
	if u.Result != nil {
		next.Result = u.Result
	}
	if u.Error != nil {
		msg := *u.Error
		next.Error = &msg
	}
	if u.Priority != nil {
		if !u.Priority.Valid() {
			return job, fmt.Errorf("%w: priority %d", models.ErrInvalidPayload, int(*u.Priority))
		}
		next.Priority = *u.Priority
	}
	if u.WorkerID != nil {
		w := *u.WorkerID
		next.WorkerID = &w
	}

	next.UpdatedAt = now
	next.Version = job.Version + 1
	return next, nil
}

// swapper is the backend half of an optimistic update.
type swapper interface {
	Get(ctx context.Context, id string) (models.Job, error)
	// swap writes next only if the stored version still equals prev.
	swap(ctx context.Context, next models.Job, prev int64) (bool, error)
}

func updateCAS(ctx context.Context, s swapper, id string, u Update, clock func() time.Time) (models.Job, error) {
	for range maxSwapAttempts {
		current, err := s.Get(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		next, err := apply(current, u, clock())
		if err != nil {
			return current, err
		}
		ok, err := s.swap(ctx, next, current.Version)
		if err != nil {
			return models.Job{}, err
		}
		if ok {
			return next, nil
		}
	}
	return models.Job{}, fmt.Errorf("update job %s: %w", id, ErrConflict)
}

func normalizeFilter(f Filter) Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func terminalOnly(statuses []models.Status) ([]models.Status, error) {
	if len(statuses) == 0 {
		return models.TerminalStatuses, nil
	}
	for _, s := range statuses {
		if !s.Terminal() {
			return nil, fmt.Errorf("%w: cannot prune %s jobs", models.ErrInvalidTransition, s)
		}
	}
	return statuses, nil
}

// prepareNew fills defaults for a job about to be created.
func prepareNew(job models.Job, now time.Time) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		return job, fmt.Errorf("%w: job type is required", models.ErrInvalidPayload)
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	if job.Status != models.StatusPending {
		return job, fmt.Errorf("%w: new jobs start pending, got %s", models.ErrInvalidTransition, job.Status)
	}
	if job.Priority == 0 {
		job.Priority = models.PriorityNormal
	}
	if !job.Priority.Valid() {
		return job, fmt.Errorf("%w: priority %d", models.ErrInvalidPayload, int(job.Priority))
	}
	if job.Payload == nil {
		job.Payload = models.Payload{}
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}
	if job.Attempts <= 0 {
		job.Attempts = 1
	}
	job.Progress = 0
	job.Result = nil
	job.Error = nil
	job.WorkerID = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Version = 1
	return job, nil
}

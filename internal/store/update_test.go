package store

import (
	"errors"
	"testing"
	"time"

	"jobqueue/internal/models"
)

func TestApplyDoesNotMutateOnError(t *testing.T) {
	now := time.Now()
	job := models.Job{ID: "a", Status: models.StatusCompleted, Attempts: 1, MaxAttempts: 3, Version: 4}

	got, err := apply(job, Update{Status: StatusPtr(models.StatusQueued)}, now)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got.Version != 4 || got.Status != models.StatusCompleted {
		t.Fatalf("job changed on error: %+v", got)
	}
}

func TestApplySameStatusIsNotATransition(t *testing.T) {
	now := time.Now()
	started := now.Add(-time.Minute)
	job := models.Job{ID: "a", Status: models.StatusRunning, StartedAt: &started, Version: 2}

	got, err := apply(job, Update{Status: StatusPtr(models.StatusRunning), Progress: IntPtr(12)}, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("started_at restamped: %v", got.StartedAt)
	}
	if got.Progress != 12 || got.Version != 3 {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestApplyRejectsAttemptsBeyondCeiling(t *testing.T) {
	job := models.Job{ID: "a", Status: models.StatusRunning, Attempts: 2, MaxAttempts: 2}
	if _, err := apply(job, Update{Attempts: IntPtr(3)}, time.Now()); !errors.Is(err, models.ErrRetryLimitExceeded) {
		t.Fatalf("expected retry limit, got %v", err)
	}
}

func TestPrepareNewDefaults(t *testing.T) {
	job, err := prepareNew(models.Job{Type: "echo"}, time.Now())
	if err != nil {
		t.Fatalf("prepareNew: %v", err)
	}
	if job.ID == "" || job.Status != models.StatusPending || job.Attempts != 1 || job.Version != 1 {
		t.Fatalf("unexpected defaults %+v", job)
	}
	if _, err := prepareNew(models.Job{}, time.Now()); !errors.Is(err, models.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for empty type, got %v", err)
	}
	if _, err := prepareNew(models.Job{Type: "echo", Priority: 7}, time.Now()); !errors.Is(err, models.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for bad priority, got %v", err)
	}
}

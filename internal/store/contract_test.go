package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/models"
)

// runContract exercises behaviour every Store backend must share.
func runContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		created, err := s.Create(ctx, models.Job{Type: "echo", Payload: models.Payload{"msg": "hi"}})
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		assert.Equal(t, models.StatusPending, created.Status)
		assert.Equal(t, models.PriorityNormal, created.Priority)
		assert.Equal(t, 1, created.Attempts)
		assert.Equal(t, models.DefaultMaxAttempts, created.MaxAttempts)

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "hi", got.Payload["msg"])
		assert.Equal(t, created.CreatedAt.UnixMicro(), got.CreatedAt.UnixMicro())
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.Result)
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := open(t)
		_, err := s.Create(ctx, models.Job{ID: "fixed", Type: "echo"})
		require.NoError(t, err)
		_, err = s.Create(ctx, models.Job{ID: "fixed", Type: "echo"})
		assert.True(t, errors.Is(err, models.ErrDuplicateID), "got %v", err)
	})

	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, "nope")
		assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
		_, err = s.Update(ctx, "nope", Update{Status: StatusPtr(models.StatusQueued)})
		assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
	})

	t.Run("lifecycle stamps timestamps", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, models.Job{Type: "echo"})
		require.NoError(t, err)

		job, err = s.Update(ctx, job.ID, Update{Status: StatusPtr(models.StatusQueued)})
		require.NoError(t, err)
		job, err = s.Update(ctx, job.ID, Update{Status: StatusPtr(models.StatusRunning), WorkerID: StringPtr("w-1")})
		require.NoError(t, err)
		require.NotNil(t, job.StartedAt)
		assert.Nil(t, job.CompletedAt)

		job, err = s.Update(ctx, job.ID, Update{
			Status:   StatusPtr(models.StatusCompleted),
			Progress: IntPtr(100),
			Result:   json.RawMessage(`"hi"`),
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.JSONEq(t, `"hi"`, string(got.Result))
		require.NotNil(t, got.WorkerID)
		assert.Equal(t, "w-1", *got.WorkerID)
		require.NotNil(t, got.CompletedAt)
		assert.False(t, got.CompletedAt.Before(*got.StartedAt))
		assert.Equal(t, int64(4), got.Version)
	})

	t.Run("rejects illegal transitions", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, models.Job{Type: "echo"})
		require.NoError(t, err)

		_, err = s.Update(ctx, job.ID, Update{Status: StatusPtr(models.StatusRunning)})
		assert.True(t, errors.Is(err, models.ErrInvalidTransition), "got %v", err)

		_, err = s.Update(ctx, job.ID, Update{Status: StatusPtr(models.StatusCompleted)})
		assert.True(t, errors.Is(err, models.ErrInvalidTransition), "got %v", err)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("status precondition", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, models.Job{Type: "echo"})
		require.NoError(t, err)

		_, err = s.Update(ctx, job.ID, Update{
			IfStatus: []models.Status{models.StatusRunning},
			Progress: IntPtr(50),
		})
		assert.True(t, errors.Is(err, models.ErrInvalidTransition), "got %v", err)
	})

	t.Run("progress is monotonic", func(t *testing.T) {
		s := open(t)
		job := runningJob(t, s)

		job, err := s.Update(ctx, job.ID, Update{Progress: IntPtr(40)})
		require.NoError(t, err)
		job, err = s.Update(ctx, job.ID, Update{Progress: IntPtr(10)})
		require.NoError(t, err)
		assert.Equal(t, 40, job.Progress)
		job, err = s.Update(ctx, job.ID, Update{Progress: IntPtr(250)})
		require.NoError(t, err)
		assert.Equal(t, 100, job.Progress)
	})

	t.Run("retry resets the attempt", func(t *testing.T) {
		s := open(t)
		job := runningJob(t, s)
		_, err := s.Update(ctx, job.ID, Update{Progress: IntPtr(30)})
		require.NoError(t, err)
		_, err = s.Update(ctx, job.ID, Update{Status: StatusPtr(models.StatusFailed), Error: StringPtr("boom")})
		require.NoError(t, err)

		retried, err := s.Update(ctx, job.ID, Update{Status: StatusPtr(models.StatusQueued)})
		require.NoError(t, err)
		assert.Equal(t, 2, retried.Attempts)
		assert.Equal(t, 0, retried.Progress)
		assert.Nil(t, retried.Error)
		assert.Nil(t, retried.StartedAt)
		assert.Nil(t, retried.CompletedAt)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, retried.Attempts, got.Attempts)
		assert.Nil(t, got.Error)
	})

	t.Run("retry limit", func(t *testing.T) {
		s := open(t)
		job, err := s.Create(ctx, models.Job{Type: "echo", MaxAttempts: 1})
		require.NoError(t, err)
		for _, st := range []models.Status{models.StatusQueued, models.StatusRunning, models.StatusFailed} {
			_, err = s.Update(ctx, job.ID, Update{Status: StatusPtr(st)})
			require.NoError(t, err)
		}
		_, err = s.Update(ctx, job.ID, Update{Status: StatusPtr(models.StatusQueued)})
		assert.True(t, errors.Is(err, models.ErrRetryLimitExceeded), "got %v", err)
	})

	t.Run("list newest first with filters", func(t *testing.T) {
		s := open(t)
		var ids []string
		for i, typ := range []string{"echo", "resize", "echo"} {
			prio := models.PriorityNormal
			if i == 1 {
				prio = models.PriorityHigh
			}
			job, err := s.Create(ctx, models.Job{Type: typ, Priority: prio})
			require.NoError(t, err)
			ids = append(ids, job.ID)
		}

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{ids[2], ids[1], ids[0]}, jobIDs(all))

		echoes, err := s.List(ctx, Filter{Type: "echo"})
		require.NoError(t, err)
		assert.Equal(t, []string{ids[2], ids[0]}, jobIDs(echoes))

		high, err := s.List(ctx, Filter{Priority: models.PriorityHigh})
		require.NoError(t, err)
		assert.Equal(t, []string{ids[1]}, jobIDs(high))

		page, err := s.List(ctx, Filter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{ids[1]}, jobIDs(page))

		_, err = s.Update(ctx, ids[0], Update{Status: StatusPtr(models.StatusQueued)})
		require.NoError(t, err)
		queued, err := s.List(ctx, Filter{Statuses: []models.Status{models.StatusQueued}})
		require.NoError(t, err)
		assert.Equal(t, []string{ids[0]}, jobIDs(queued))

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[models.StatusPending])
		assert.Equal(t, int64(1), counts[models.StatusQueued])
	})

	t.Run("prune only touches terminal jobs", func(t *testing.T) {
		s := open(t)
		done := runningJob(t, s)
		_, err := s.Update(ctx, done.ID, Update{Status: StatusPtr(models.StatusCompleted)})
		require.NoError(t, err)
		active := runningJob(t, s)
		pending, err := s.Create(ctx, models.Job{Type: "echo"})
		require.NoError(t, err)

		n, err := s.DeleteOlderThan(ctx, nil, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.DeleteOlderThan(ctx, nil, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.Get(ctx, done.ID)
		assert.True(t, errors.Is(err, models.ErrNotFound))
		_, err = s.Get(ctx, active.ID)
		assert.NoError(t, err)
		_, err = s.Get(ctx, pending.ID)
		assert.NoError(t, err)

		_, err = s.DeleteOlderThan(ctx, []models.Status{models.StatusRunning}, time.Now())
		assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	})

	t.Run("delete single job", func(t *testing.T) {
		s := open(t)
		active := runningJob(t, s)
		err := s.Delete(ctx, active.ID)
		assert.True(t, errors.Is(err, models.ErrInvalidTransition), "got %v", err)

		_, err = s.Update(ctx, active.ID, Update{Status: StatusPtr(models.StatusCancelled)})
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, active.ID))

		err = s.Delete(ctx, active.ID)
		assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
	})
}

func runningJob(t *testing.T, s Store) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := s.Create(ctx, models.Job{Type: "echo"})
	require.NoError(t, err)
	job, err = s.Update(ctx, job.ID, Update{Status: StatusPtr(models.StatusQueued)})
	require.NoError(t, err)
	job, err = s.Update(ctx, job.ID, Update{Status: StatusPtr(models.StatusRunning)})
	require.NoError(t, err)
	return job
}

func jobIDs(jobs []models.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

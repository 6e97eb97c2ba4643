// Package controller is the public face of the job queue. It owns the job
// state machine and coordinates the store, the queue and the worker pool.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"jobqueue/internal/handler"
	"jobqueue/internal/models"
	"jobqueue/internal/queue"
	"jobqueue/internal/store"
	"jobqueue/internal/telemetry"
	"jobqueue/internal/worker"
)

const (
	reconcilePageSize = 500
	rollbackTimeout   = 5 * time.Second
	maxCancelRounds   = 3
)

// Options configures a Controller and the pool it owns.
type Options struct {
	Workers          int
	MaxAttempts      int
	ProgressInterval time.Duration
	InterruptGrace   time.Duration
	// PruneInterval enables periodic ClearCompleted(PruneAge) when positive.
	PruneInterval time.Duration
	PruneAge      time.Duration
	// WorkerName prefixes the lane ids recorded on running jobs.
	WorkerName string
	// SharedStore limits restart reconciliation to RUNNING jobs claimed under
	// WorkerName, leaving jobs held by other processes alone.
	SharedStore bool
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateStopping
	stateStopped
)

// Controller accepts work and drives jobs through their lifecycle.
type Controller struct {
	store    store.Store
	queue    queue.Queue
	registry *handler.Registry
	pool     *worker.Pool
	logger   *zap.Logger
	opts     Options

	mu           sync.RWMutex
	state        lifecycle
	stopPrune    context.CancelFunc
	pruneStopped chan struct{}
}

func New(st store.Store, q queue.Queue, registry *handler.Registry, logger *zap.Logger, opts Options) *Controller {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = models.DefaultMaxAttempts
	}
	if opts.WorkerName == "" {
		opts.WorkerName = "worker"
	}
	return &Controller{
		store:    st,
		queue:    q,
		registry: registry,
		logger:   logger,
		opts:     opts,
		pool: worker.NewPool(st, q, registry, logger.Named("worker"), worker.Options{
			Workers:          opts.Workers,
			ProgressInterval: opts.ProgressInterval,
			InterruptGrace:   opts.InterruptGrace,
			Name:             opts.WorkerName,
		}),
	}
}

// Start reconciles persisted state, then starts the workers and housekeeping.
// Jobs left RUNNING by a previous process are marked failed before any new
// job executes.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateNew {
		return errors.New("controller already started")
	}
	if err := c.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile jobs: %w", err)
	}
	if err := c.pool.Start(ctx); err != nil {
		return err
	}
	if c.opts.PruneInterval > 0 {
		pruneCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.stopPrune = cancel
		c.pruneStopped = make(chan struct{})
		go c.housekeeping(pruneCtx)
	}
	c.state = stateRunning
	return nil
}

func (c *Controller) reconcile(ctx context.Context) error {
	all, err := c.listAll(ctx, models.StatusRunning)
	if err != nil {
		return err
	}
	running := slices.DeleteFunc(all, func(job models.Job) bool { return !c.owns(job) })
	for _, job := range running {
		_, err := c.store.Update(ctx, job.ID, store.Update{
			IfStatus: []models.Status{models.StatusRunning},
			Status:   store.StatusPtr(models.StatusFailed),
			Error:    store.StringPtr(models.InterruptedMessage),
		})
		if err != nil && !errors.Is(err, models.ErrInvalidTransition) {
			return err
		}
		c.logger.Warn("job interrupted by restart", zap.String("job_id", job.ID), zap.String("job_type", job.Type))
	}

	waiting, err := c.listAll(ctx, models.StatusPending, models.StatusQueued)
	if err != nil {
		return err
	}
	// List is newest first; re-enqueue oldest first to keep FIFO order.
	slices.Reverse(waiting)
	for _, job := range waiting {
		if job.Status == models.StatusPending {
			if _, err := c.store.Update(ctx, job.ID, store.Update{
				IfStatus: []models.Status{models.StatusPending},
				Status:   store.StatusPtr(models.StatusQueued),
			}); err != nil && !errors.Is(err, models.ErrInvalidTransition) {
				return err
			}
		}
		if err := c.queue.Enqueue(ctx, job.ID, job.Priority); err != nil {
			return err
		}
	}
	c.logger.Info("reconciled persisted jobs", zap.Int("interrupted", len(running)), zap.Int("requeued", len(waiting)))
	return nil
}

// owns reports whether a RUNNING job was claimed by a lane of this process.
func (c *Controller) owns(job models.Job) bool {
	if !c.opts.SharedStore || job.WorkerID == nil {
		return true
	}
	return strings.HasPrefix(*job.WorkerID, c.opts.WorkerName+"-")
}

func (c *Controller) listAll(ctx context.Context, statuses ...models.Status) ([]models.Job, error) {
	var all []models.Job
	for offset := 0; ; offset += reconcilePageSize {
		page, err := c.store.List(ctx, store.Filter{Statuses: statuses, Limit: reconcilePageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < reconcilePageSize {
			return all, nil
		}
	}
}

func (c *Controller) accepting() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.state {
	case stateNew:
		return models.ErrNotStarted
	case stateStopping, stateStopped:
		return models.ErrShuttingDown
	}
	return nil
}

// SubmitRequest describes new work.
type SubmitRequest struct {
	Type     string
	Payload  models.Payload
	Priority models.Priority
	// MaxAttempts overrides the configured ceiling when positive.
	MaxAttempts int
}

// Submit validates, persists and enqueues a job. On error nothing is left
// behind in the store.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (models.Job, error) {
	if err := c.accepting(); err != nil {
		return models.Job{}, err
	}
	h, err := c.registry.Resolve(req.Type)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %q", models.ErrUnknownJobType, req.Type)
	}
	if req.Priority == 0 {
		req.Priority = models.PriorityNormal
	}
	if !req.Priority.Valid() {
		return models.Job{}, fmt.Errorf("%w: priority %d", models.ErrInvalidPayload, int(req.Priority))
	}
	if req.MaxAttempts < 0 {
		return models.Job{}, fmt.Errorf("%w: max_attempts must be positive", models.ErrInvalidPayload)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = c.opts.MaxAttempts
	}
	if req.Payload == nil {
		req.Payload = models.Payload{}
	}
	if _, err := json.Marshal(req.Payload); err != nil {
		return models.Job{}, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err)
	}
	if v, ok := h.(handler.Validator); ok {
		if err := v.Validate(req.Payload); err != nil {
			return models.Job{}, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err)
		}
	}

	job, err := c.store.Create(ctx, models.Job{
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		return models.Job{}, err
	}

	// Mark QUEUED before the id becomes visible to workers so a lane never
	// sees a PENDING job.
	queued, err := c.store.Update(ctx, job.ID, store.Update{
		IfStatus: []models.Status{models.StatusPending},
		Status:   store.StatusPtr(models.StatusQueued),
	})
	if err != nil {
		c.discard(ctx, job.ID)
		return models.Job{}, err
	}
	if err := c.queue.Enqueue(ctx, job.ID, job.Priority); err != nil {
		c.discard(ctx, job.ID)
		if errors.Is(err, queue.ErrClosed) {
			return models.Job{}, models.ErrShuttingDown
		}
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}

	telemetry.JobsSubmitted.WithLabelValues(job.Type).Inc()
	c.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.String("priority", job.Priority.String()))
	return queued, nil
}

// discard removes a job whose submission could not complete.
func (c *Controller) discard(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	_, _ = c.queue.Remove(ctx, id)
	_, err := c.store.Update(ctx, id, store.Update{
		IfStatus: []models.Status{models.StatusPending, models.StatusQueued},
		Status:   store.StatusPtr(models.StatusCancelled),
	})
	if err == nil {
		err = c.store.Delete(ctx, id)
	}
	if err != nil {
		c.logger.Error("failed to roll back submission", zap.String("job_id", id), zap.Error(err))
	}
}

func (c *Controller) Get(ctx context.Context, id string) (models.Job, error) {
	return c.store.Get(ctx, id)
}

// List returns jobs newest first.
func (c *Controller) List(ctx context.Context, f store.Filter) ([]models.Job, error) {
	return c.store.List(ctx, f)
}

// Pending lists jobs that have not started yet.
func (c *Controller) Pending(ctx context.Context, limit int) ([]models.Job, error) {
	return c.store.List(ctx, store.Filter{
		Statuses: []models.Status{models.StatusPending, models.StatusQueued},
		Limit:    limit,
	})
}

// Cancel stops a job. Waiting jobs become CANCELLED immediately; running jobs
// have their context cancelled and finish when the handler returns. Cancelling
// a terminal job is a no-op. The returned job reflects the state after the call.
func (c *Controller) Cancel(ctx context.Context, id string) (models.Job, error) {
	job, err := c.store.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	for range maxCancelRounds {
		switch job.Status {
		case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
			return job, nil

		case models.StatusPending, models.StatusQueued:
			if _, err := c.queue.Remove(ctx, id); err != nil {
				c.logger.Warn("queue remove failed during cancel", zap.String("job_id", id), zap.Error(err))
			}
			cancelled, err := c.store.Update(ctx, id, store.Update{
				IfStatus: []models.Status{models.StatusPending, models.StatusQueued},
				Status:   store.StatusPtr(models.StatusCancelled),
			})
			if err == nil {
				telemetry.JobsFinished.WithLabelValues(job.Type, string(models.StatusCancelled)).Inc()
				c.logger.Info("job cancelled", zap.String("job_id", id), zap.String("job_type", job.Type))
				return cancelled, nil
			}
			if !errors.Is(err, models.ErrInvalidTransition) {
				return models.Job{}, err
			}
			// A worker claimed it in the meantime.

		case models.StatusRunning:
			if c.pool.Cancel(id) {
				c.logger.Info("cancellation requested for running job", zap.String("job_id", id), zap.String("job_type", job.Type))
				return job, nil
			}
			// The lane may be between finishing and releasing the job.
		}

		job, err = c.store.Get(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
	}
	return job, nil
}

// RetryOption adjusts a retry.
type RetryOption func(*store.Update)

// WithPriority re-enqueues the retried job at p instead of its current priority.
func WithPriority(p models.Priority) RetryOption {
	return func(u *store.Update) {
		u.Priority = &p
	}
}

// Retry re-queues a FAILED or CANCELLED job for another attempt.
func (c *Controller) Retry(ctx context.Context, id string, opts ...RetryOption) (models.Job, error) {
	if err := c.accepting(); err != nil {
		return models.Job{}, err
	}
	job, err := c.store.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusFailed && job.Status != models.StatusCancelled {
		return models.Job{}, fmt.Errorf("%w: cannot retry %s job", models.ErrInvalidTransition, job.Status)
	}
	if job.Attempts >= job.MaxAttempts {
		return models.Job{}, fmt.Errorf("%w: %d of %d attempts used", models.ErrRetryLimitExceeded, job.Attempts, job.MaxAttempts)
	}

	u := store.Update{
		IfStatus: []models.Status{models.StatusFailed, models.StatusCancelled},
		Status:   store.StatusPtr(models.StatusQueued),
	}
	for _, opt := range opts {
		opt(&u)
	}
	if u.Priority != nil && !u.Priority.Valid() {
		return models.Job{}, fmt.Errorf("%w: priority %d", models.ErrInvalidPayload, int(*u.Priority))
	}
	job, err = c.store.Update(ctx, id, u)
	if err != nil {
		return models.Job{}, err
	}
	// If this fails the job stays QUEUED and is re-enqueued by the next Start.
	if err := c.queue.Enqueue(ctx, job.ID, job.Priority); err != nil {
		return job, fmt.Errorf("enqueue retry: %w", err)
	}

	telemetry.JobsRetried.WithLabelValues(job.Type).Inc()
	c.logger.Info("job retried",
		zap.String("job_id", id),
		zap.String("job_type", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.String("priority", job.Priority.String()))
	return job, nil
}

// ClearCompleted removes terminal jobs that finished more than olderThan ago.
// Active jobs are never touched.
func (c *Controller) ClearCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: older_than must not be negative", models.ErrInvalidPayload)
	}
	n, err := c.store.DeleteOlderThan(ctx, models.TerminalStatuses, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.JobsPruned.Add(float64(n))
		c.logger.Info("cleared finished jobs", zap.Int64("removed", n), zap.Duration("older_than", olderThan))
	}
	return n, nil
}

// ClearFailed removes every FAILED job regardless of age.
func (c *Controller) ClearFailed(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteOlderThan(ctx, []models.Status{models.StatusFailed}, time.Now().Add(time.Second))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.JobsPruned.Add(float64(n))
	}
	return n, nil
}

// Delete removes a single terminal job.
func (c *Controller) Delete(ctx context.Context, id string) error {
	return c.store.Delete(ctx, id)
}

// Stats summarises the queue.
type Stats struct {
	Counts     map[models.Status]int64 `json:"counts"`
	Total      int64                   `json:"total"`
	QueueDepth int                     `json:"queue_depth"`
	Workers    int                     `json:"workers"`
	Busy       int                     `json:"busy"`
}

func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	depth, err := c.queue.Len(ctx)
	if err != nil && !errors.Is(err, queue.ErrClosed) {
		return Stats{}, err
	}
	s := Stats{
		Counts:     make(map[models.Status]int64, len(models.Statuses)),
		QueueDepth: depth,
		Workers:    c.pool.Workers(),
		Busy:       len(c.pool.Running()),
	}
	for _, st := range models.Statuses {
		s.Counts[st] = counts[st]
		s.Total += counts[st]
	}
	telemetry.QueueDepthGauge.Set(float64(depth))
	return s, nil
}

// Ping reports whether the store is reachable.
func (c *Controller) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func (c *Controller) housekeeping(ctx context.Context) {
	defer close(c.pruneStopped)
	ticker := time.NewTicker(c.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.ClearCompleted(ctx, c.opts.PruneAge); err != nil && ctx.Err() == nil {
				c.logger.Warn("housekeeping prune failed", zap.Error(err))
			}
		}
	}
}

// Shutdown stops accepting work and drains the workers. Running handlers get
// until ctx expires; after that they are interrupted and, if they still do
// not return, their jobs are marked FAILED(Interrupted).
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateStopping || c.state == stateStopped {
		c.mu.Unlock()
		return nil
	}
	wasRunning := c.state == stateRunning
	c.state = stateStopping
	c.mu.Unlock()

	var errs error
	if c.stopPrune != nil {
		c.stopPrune()
		<-c.pruneStopped
	}
	if wasRunning {
		errs = multierr.Append(errs, c.pool.Stop(ctx))
	}
	errs = multierr.Append(errs, c.queue.Close())

	c.mu.Lock()
	c.state = stateStopped
	c.mu.Unlock()
	c.logger.Info("controller stopped")
	return errs
}

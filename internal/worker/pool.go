package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"jobqueue/internal/handler"
	"jobqueue/internal/models"
	"jobqueue/internal/queue"
	"jobqueue/internal/store"
	"jobqueue/internal/telemetry"
)

const (
	defaultWorkers          = 2
	defaultProgressInterval = 500 * time.Millisecond
	defaultInterruptGrace   = 2 * time.Second
	dequeueErrorBackoff     = 500 * time.Millisecond
	finalWriteTimeout       = 5 * time.Second
)

// Options configures a Pool.
type Options struct {
	// Workers is the number of concurrent execution lanes.
	Workers int
	// ProgressInterval is the minimum spacing between progress writes for one job.
	ProgressInterval time.Duration
	// InterruptGrace is how long Stop waits after interrupting handlers before
	// marking their jobs failed directly.
	InterruptGrace time.Duration
	// Name prefixes lane ids recorded on jobs ("worker" when empty).
	Name string
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = defaultWorkers
	}
	if o.ProgressInterval == 0 {
		o.ProgressInterval = defaultProgressInterval
	}
	if o.InterruptGrace <= 0 {
		o.InterruptGrace = defaultInterruptGrace
	}
	if o.Name == "" {
		o.Name = "worker"
	}
	return o
}

// Pool runs a fixed number of lanes that pull job ids from the queue and
// execute the matching handler.
type Pool struct {
	store    store.Store
	queue    queue.Queue
	registry *handler.Registry
	logger   *zap.Logger
	opts     Options

	mu       sync.Mutex
	active   map[*activeJob]struct{}
	started  bool
	stopped  bool
	base     context.Context
	stopLane context.CancelFunc
	wg       sync.WaitGroup
}

func NewPool(st store.Store, q queue.Queue, registry *handler.Registry, logger *zap.Logger, opts Options) *Pool {
	return &Pool{
		store:    st,
		queue:    q,
		registry: registry,
		logger:   logger,
		opts:     opts.withDefaults(),
		active:   make(map[*activeJob]struct{}),
	}
}

// activeJob is one lane's hold on a job id. Two lanes can briefly hold the
// same id when a stale queue entry and a re-enqueued one are popped together;
// only one of them wins the claim.
type activeJob struct {
	id     string
	cancel context.CancelCauseFunc
}

// Start launches the lanes. Handler contexts are detached from ctx so that
// stopping the lanes does not cancel running jobs; use Stop for that.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}
	p.started = true
	p.base = context.WithoutCancel(ctx)
	laneCtx, cancel := context.WithCancel(ctx)
	p.stopLane = cancel

	for i := 1; i <= p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.lane(laneCtx, fmt.Sprintf("%s-%d", p.opts.Name, i))
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.opts.Workers))
	return nil
}

func (p *Pool) lane(ctx context.Context, workerID string) {
	defer p.wg.Done()
	log := p.logger.With(zap.String("worker", workerID))
	for {
		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				log.Debug("lane stopped")
				return
			}
			log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorBackoff):
			}
			continue
		}
		if n, err := p.queue.Len(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(n))
		}
		p.safeProcess(log, workerID, id)
	}
}

// safeProcess keeps the lane alive if anything outside the handler panics.
func (p *Pool) safeProcess(log *zap.Logger, workerID, id string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker lane recovered from panic",
				zap.String("job_id", id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	p.process(log, workerID, id)
}

func (p *Pool) process(log *zap.Logger, workerID, id string) {
	log = log.With(zap.String("job_id", id))

	job, err := p.store.Get(p.base, id)
	if err != nil {
		log.Warn("dequeued job could not be loaded", zap.Error(err))
		return
	}
	if job.Status != models.StatusQueued {
		log.Debug("skipping stale queue entry", zap.String("status", string(job.Status)))
		return
	}

	// Track the token before claiming the job so a cancel that observes
	// RUNNING always finds it.
	jobCtx, cancel := context.WithCancelCause(p.base)
	held := p.track(id, cancel)
	defer func() {
		p.untrack(held)
		cancel(nil)
	}()

	job, err = p.store.Update(p.base, id, store.Update{
		IfStatus: []models.Status{models.StatusQueued},
		Status:   store.StatusPtr(models.StatusRunning),
		WorkerID: &workerID,
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			log.Debug("job left queued state before it could start", zap.Error(err))
			return
		}
		log.Error("failed to mark job running", zap.Error(err))
		return
	}

	log = log.With(zap.String("job_type", job.Type), zap.Int("attempt", job.Attempts))
	telemetry.RunningGauge.Inc()
	defer telemetry.RunningGauge.Dec()
	log.Info("job started")

	h, err := p.registry.Resolve(job.Type)
	if err != nil {
		p.finish(log, job, outcome{status: models.StatusFailed, message: "handler error: " + err.Error()}, 0)
		return
	}

	reporter := newProgressReporter(p.base, p.store, log, id, p.opts.ProgressInterval)
	start := time.Now()
	result, runErr := p.execute(jobCtx, log, h, job, reporter.report)
	telemetry.HandlerDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	p.finish(log, job, classify(jobCtx, result, runErr), reporter.latest())
}

func (p *Pool) execute(ctx context.Context, log *zap.Logger, h handler.Handler, job models.Job, progress handler.Progress) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			telemetry.HandlerPanics.WithLabelValues(job.Type).Inc()
			result = nil
			err = fmt.Errorf("%w: %v", models.ErrWorkerPanic, r)
		}
	}()
	return h.Execute(ctx, job.Payload, progress)
}

type outcome struct {
	status  models.Status
	result  json.RawMessage
	message string
}

func classify(ctx context.Context, result any, runErr error) outcome {
	if runErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return outcome{status: models.StatusFailed, message: "result is not serialisable: " + err.Error()}
		}
		return outcome{status: models.StatusCompleted, result: raw}
	}
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, models.ErrInterrupted):
		return outcome{status: models.StatusFailed, message: models.InterruptedMessage}
	case errors.Is(cause, models.ErrCancelled):
		return outcome{status: models.StatusCancelled}
	}
	return outcome{status: models.StatusFailed, message: runErr.Error()}
}

func (p *Pool) finish(log *zap.Logger, job models.Job, out outcome, progress int) {
	ctx, cancel := context.WithTimeout(p.base, finalWriteTimeout)
	defer cancel()

	u := store.Update{
		IfStatus: []models.Status{models.StatusRunning},
		Status:   store.StatusPtr(out.status),
	}
	switch out.status {
	case models.StatusCompleted:
		u.Progress = store.IntPtr(100)
		u.Result = out.result
	case models.StatusFailed:
		u.Error = store.StringPtr(out.message)
		u.Progress = store.IntPtr(progress)
	default:
		u.Progress = store.IntPtr(progress)
	}

	if _, err := p.store.Update(ctx, job.ID, u); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			log.Warn("job outcome discarded, job no longer running", zap.String("status", string(out.status)), zap.Error(err))
			return
		}
		log.Error("failed to record job outcome", zap.String("status", string(out.status)), zap.Error(err))
		return
	}
	telemetry.JobsFinished.WithLabelValues(job.Type, string(out.status)).Inc()

	fields := []zap.Field{zap.String("status", string(out.status))}
	if out.message != "" {
		fields = append(fields, zap.String("error", out.message))
	}
	if out.status == models.StatusFailed {
		log.Warn("job finished", fields...)
		return
	}
	log.Info("job finished", fields...)
}

func (p *Pool) track(id string, cancel context.CancelCauseFunc) *activeJob {
	held := &activeJob{id: id, cancel: cancel}
	p.mu.Lock()
	p.active[held] = struct{}{}
	p.mu.Unlock()
	return held
}

func (p *Pool) untrack(held *activeJob) {
	p.mu.Lock()
	delete(p.active, held)
	p.mu.Unlock()
}

// Cancel signals every lane holding id. It reports whether the job was held
// by a lane of this pool.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	var found []context.CancelCauseFunc
	for held := range p.active {
		if held.id == id {
			found = append(found, held.cancel)
		}
	}
	p.mu.Unlock()
	for _, cancel := range found {
		cancel(models.ErrCancelled)
	}
	return len(found) > 0
}

// Running returns the ids currently held by lanes, sorted and deduplicated.
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for held := range p.active {
		ids = append(ids, held.id)
	}
	sort.Strings(ids)
	return slices.Compact(ids)
}

// Workers returns the configured lane count.
func (p *Pool) Workers() int {
	return p.opts.Workers
}

// Stop stops lanes from dequeuing and waits for running handlers. When ctx
// expires first, handlers are cancelled with ErrInterrupted; any still running
// after the grace period have their jobs marked failed directly.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.stopLane()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	interrupted := make([]string, 0, len(p.active))
	for held := range p.active {
		held.cancel(models.ErrInterrupted)
		interrupted = append(interrupted, held.id)
	}
	p.mu.Unlock()
	p.logger.Warn("shutdown timeout reached, interrupting running jobs", zap.Strings("job_ids", interrupted))

	select {
	case <-done:
		return nil
	case <-time.After(p.opts.InterruptGrace):
	}

	var errs error
	for _, id := range p.Running() {
		if err := p.abandon(id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// abandon marks a job whose handler ignored interruption as failed.
func (p *Pool) abandon(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()
	job, err := p.store.Update(ctx, id, store.Update{
		IfStatus: []models.Status{models.StatusRunning},
		Status:   store.StatusPtr(models.StatusFailed),
		Error:    store.StringPtr(models.InterruptedMessage),
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("mark job %s interrupted: %w", id, err)
	}
	telemetry.JobsFinished.WithLabelValues(job.Type, string(models.StatusFailed)).Inc()
	p.logger.Warn("handler ignored interruption, job marked failed", zap.String("job_id", id), zap.String("job_type", job.Type))
	return nil
}

package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"jobqueue/internal/models"
	"jobqueue/internal/store"
)

// progressReporter turns handler callbacks into throttled store writes.
// Reported values are clamped to 0..99 (100 is reserved for completion) and
// never move backwards.
type progressReporter struct {
	ctx     context.Context
	store   store.Store
	logger  *zap.Logger
	jobID   string
	limiter *rate.Limiter

	mu   sync.Mutex
	last int
}

func newProgressReporter(ctx context.Context, st store.Store, logger *zap.Logger, jobID string, interval time.Duration) *progressReporter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &progressReporter{
		ctx:     ctx,
		store:   st,
		logger:  logger,
		jobID:   jobID,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (r *progressReporter) report(percent int, message string) {
	p := min(max(percent, 0), 99)

	r.mu.Lock()
	if p <= r.last {
		r.mu.Unlock()
		return
	}
	r.last = p
	write := r.limiter.Allow()
	r.mu.Unlock()

	r.logger.Debug("job progress", zap.Int("progress", p), zap.String("message", message))
	if !write {
		return
	}
	_, err := r.store.Update(r.ctx, r.jobID, store.Update{
		IfStatus: []models.Status{models.StatusRunning},
		Progress: &p,
	})
	if err != nil {
		r.logger.Debug("progress write skipped", zap.Error(err))
	}
}

// latest returns the highest value reported so far, written or not.
func (r *progressReporter) latest() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

package models

import "errors"

var (
	ErrNotFound           = errors.New("job not found")
	ErrDuplicateID        = errors.New("job id already exists")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnknownJobType     = errors.New("unknown job type")
	ErrDuplicateType      = errors.New("job type already registered")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
	ErrStoreUnavailable   = errors.New("job store unavailable")
	ErrHandlerMissing     = errors.New("no handler registered for job type")
	ErrShuttingDown       = errors.New("job queue is shutting down")
	ErrNotStarted         = errors.New("job queue not started")

	// Cancellation causes attached to a running job's context.
	ErrCancelled   = errors.New("cancelled")
	ErrInterrupted = errors.New("interrupted")

	ErrWorkerPanic = errors.New("handler panicked")
)

// InterruptedMessage is the error text recorded for jobs cut off by a restart or shutdown.
const InterruptedMessage = "Interrupted"

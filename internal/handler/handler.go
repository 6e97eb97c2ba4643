// Package handler defines the contract job types implement and the registry
// that maps a job type to its implementation.
package handler

import (
	"context"

	"jobqueue/internal/models"
)

// Progress reports completion percentage for the running attempt. Values
// outside 0..100 are clamped and backward moves are ignored.
type Progress func(percent int, message string)

// Handler executes one job type. ctx is cancelled when the job is cancelled
// or the pool is interrupted; context.Cause(ctx) tells the two apart.
// The returned value must be JSON-serialisable.
type Handler interface {
	Execute(ctx context.Context, payload models.Payload, progress Progress) (any, error)
}

// Func adapts an ordinary function to Handler.
type Func func(ctx context.Context, payload models.Payload, progress Progress) (any, error)

func (f Func) Execute(ctx context.Context, payload models.Payload, progress Progress) (any, error) {
	return f(ctx, payload, progress)
}

// Validator is implemented by handlers that can reject a payload at submit time.
type Validator interface {
	Validate(payload models.Payload) error
}

// NopProgress discards progress reports.
func NopProgress(int, string) {}

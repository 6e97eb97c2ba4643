package models

import "fmt"

var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	// retry
	StatusFailed:    {StatusQueued},
	StatusCancelled: {StatusQueued},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with both states when the move is not allowed.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsRetry reports whether the move re-queues a finished attempt.
func IsRetry(from, to Status) bool {
	return to == StatusQueued && (from == StatusFailed || from == StatusCancelled)
}

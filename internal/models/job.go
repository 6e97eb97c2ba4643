package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status enumerates lifecycle states persisted by the job store.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// TerminalStatuses are the states a job can only leave through an explicit retry.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// Terminal reports whether no further transition is allowed except retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the job still occupies the queue or a worker.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatus converts user input into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Priority orders dequeueing; larger values run first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// Priorities lists the tiers from highest to lowest.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ParsePriority accepts tier names (and "urgent" as critical) or their numeric values.
// An empty string yields PriorityNormal.
func ParsePriority(v string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return PriorityNormal, nil
	case "low", "1":
		return PriorityLow, nil
	case "normal", "default", "5":
		return PriorityNormal, nil
	case "high", "10":
		return PriorityHigh, nil
	case "critical", "urgent", "20":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", v)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		var n int
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return fmt.Errorf("priority must be a string or number: %w", err)
		}
		name = fmt.Sprint(n)
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Payload is the opaque handler input supplied at submission.
type Payload map[string]any

// DefaultMaxAttempts is used when neither the caller nor configuration sets a ceiling.
const DefaultMaxAttempts = 3

// Job represents a unit of asynchronous work persisted in the store.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     Payload         `json:"payload"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	WorkerID    *string         `json:"worker_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Version     int64           `json:"version"`
}

// CanRetry reports whether an explicit retry is currently allowed.
func (j Job) CanRetry() bool {
	return (j.Status == StatusFailed || j.Status == StatusCancelled) && j.Attempts < j.MaxAttempts
}

// View is the read model handed to collaborators outside the queue.
type View struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// View projects the job onto its public read model.
func (j Job) View() View {
	v := View{
		ID:          j.ID,
		Type:        j.Type,
		Priority:    j.Priority,
		Status:      j.Status,
		Progress:    j.Progress,
		Result:      j.Result,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Error != nil {
		v.Error = *j.Error
	}
	return v
}

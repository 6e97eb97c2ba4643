package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusQueued}:    true,
		{StatusPending, StatusCancelled}: true,
		{StatusQueued, StatusRunning}:    true,
		{StatusQueued, StatusCancelled}:  true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusRunning, StatusCancelled}: true,
		{StatusFailed, StatusQueued}:     true,
		{StatusCancelled, StatusQueued}:  true,
	}
	for _, from := range Statuses {
		for _, to := range Statuses {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCompletedIsFinal(t *testing.T) {
	for _, to := range Statuses {
		err := CheckTransition(StatusCompleted, to)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"":         PriorityNormal,
		"low":      PriorityLow,
		"NORMAL":   PriorityNormal,
		"high":     PriorityHigh,
		"critical": PriorityCritical,
		"urgent":   PriorityCritical,
		"10":       PriorityHigh,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePriority("whenever")
	assert.Error(t, err)
}

func TestPriorityJSON(t *testing.T) {
	var body struct {
		Priority Priority `json:"priority"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"priority":"high"}`), &body))
	assert.Equal(t, PriorityHigh, body.Priority)

	require.NoError(t, json.Unmarshal([]byte(`{"priority":20}`), &body))
	assert.Equal(t, PriorityCritical, body.Priority)

	out, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"priority":"critical"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"priority":7}`), &body))
}

func TestJobView(t *testing.T) {
	msg := "boom"
	job := Job{ID: "a", Type: "echo", Status: StatusFailed, Error: &msg, Attempts: 1, MaxAttempts: 3}
	v := job.View()
	assert.Equal(t, "boom", v.Error)
	assert.True(t, job.CanRetry())

	job.Attempts = 3
	assert.False(t, job.CanRetry())
}

package runs

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusScheduled  Status = "scheduled"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var ErrInvalidTransition = errors.New("runs: invalid status transition")

var transitions = map[Status][]Status{
	StatusDraft:      {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusReady, StatusFailed},
	StatusReady:      {StatusRunning, StatusScheduled, StatusFailed},
	StatusScheduled:  {StatusRunning, StatusFailed},
	StatusRunning:    {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:     {StatusRunning, StatusFailed},
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusProcessing, StatusReady, StatusScheduled,
		StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// CanTransition reports whether from -> to is an edge of the run lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition (wrapped with both states) when
// from -> to is not allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Sources lists every status that may move to to.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range []Status{
		StatusDraft, StatusProcessing, StatusReady, StatusScheduled,
		StatusRunning, StatusPaused,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

package events

import (
	"context"
	"time"

	"campaign-runner/internal/runs"
)

// Type names the kind of state change carried by an Event.
type Type string

const (
	TypeRunStatus  Type = "run.status"
	TypeRowStatus  Type = "row.status"
	TypeRunMetrics Type = "run.metadata"
)

// Event is the push notification published after every applied change to a
// run or one of its rows. Version matches runs.version after the change, so
// a subscriber that misses events can fall back to polling by version.
type Event struct {
	Type           Type          `json:"type"`
	RunID          string        `json:"run_id"`
	OrganizationID string        `json:"organization_id"`
	RowID          string        `json:"row_id,omitempty"`
	Status         string        `json:"status"`
	Version        int64         `json:"version"`
	Metadata       runs.Metadata `json:"metadata"`
	At             time.Time     `json:"at"`
}

// Publisher fans events out. Publishing is best-effort: callers log failures
// and carry on, since subscribers can always re-read state.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Subscriber streams events for one run until ctx is done or the returned
// cancel func is called.
type Subscriber interface {
	Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error)
}

// Broker is both ends of the event stream.
type Broker interface {
	Publisher
	Subscriber
}

// RunEvent builds the event describing r after a run-level change.
func RunEvent(t Type, r runs.Run, at time.Time) Event {
	return Event{
		Type:           t,
		RunID:          r.ID,
		OrganizationID: r.OrganizationID,
		Status:         string(r.Status),
		Version:        r.Version,
		Metadata:       r.Metadata,
		At:             at,
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

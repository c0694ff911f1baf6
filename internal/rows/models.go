package rows

import (
	"errors"
	"fmt"
	"time"

	"campaign-runner/internal/record"
)

// Row is one call attempt inside a run.
//
// Invariants:
//   - RetellCallID set implies Status is calling, completed or failed.
//   - A skipped row never carries a call id.
//   - Terminal rows (completed, failed, skipped) are never mutated.
//   - Invalid rows are stored skipped and sit outside the run's call counters.
type Row struct {
	ID             string `json:"id"`
	RunID          string `json:"run_id"`
	OrganizationID string `json:"organization_id"`
	PatientID      string `json:"patient_id,omitempty"`

	Variables    record.Record `json:"variables"`
	PostCallData record.Record `json:"post_call_data,omitempty"`
	Analysis     record.Record `json:"analysis,omitempty"`

	Status  Status `json:"status"`
	Invalid bool   `json:"invalid,omitempty"`
	Error   string `json:"error,omitempty"`

	RetellCallID string `json:"retell_call_id,omitempty"`
	SortIndex    int    `json:"sort_index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCalling   Status = "calling"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// VoicemailKey is the analysis field set to true when a call reached voicemail.
const VoicemailKey = "voicemail"

var ErrInvalidTransition = errors.New("rows: invalid status transition")

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCalling, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// CanTransition reports whether from -> to is allowed:
// pending -> calling | skipped, calling -> completed | failed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCalling || to == StatusSkipped
	case StatusCalling:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Filter narrows row listings.
type Filter struct {
	Status Status
	Limit  int
	Offset int
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

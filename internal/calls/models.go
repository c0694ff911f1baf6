package calls

import (
	"time"

	"campaign-runner/internal/record"
)

// Call is the denormalized record of one placed or received phone call.
//
// Organization invariant: OrganizationID is required on every call.
// RowID, RunID and PatientID are empty for inbound or ad-hoc calls.
//
// Provider-specific identifiers live in ExternalCallID only; the rest of the
// model stays provider-agnostic.
type Call struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	CampaignID     string `json:"campaign_id,omitempty"`
	RunID          string `json:"run_id,omitempty"`
	RowID          string `json:"row_id,omitempty"`
	PatientID      string `json:"patient_id,omitempty"`

	Direction      Direction `json:"direction"`
	Status         Status    `json:"status"`
	ExternalCallID string    `json:"external_call_id"`

	From string `json:"from"`
	To   string `json:"to"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// DurationSeconds is the call duration in seconds.
	DurationSeconds int `json:"duration"`

	Transcript   string        `json:"transcript,omitempty"`
	Analysis     record.Record `json:"analysis,omitempty"`
	RecordingURL string        `json:"recording_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusVoicemail  Status = "voicemail"
	StatusNoAnswer   Status = "no-answer"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusVoicemail, StatusNoAnswer:
		return true
	default:
		return false
	}
}

// Outcome is the provider-reported result applied to an existing Call.
type Outcome struct {
	Status          Status
	Transcript      string
	Analysis        record.Record
	RecordingURL    string
	DurationSeconds int
	StartedAt       *time.Time
	EndedAt         *time.Time
}

// Apply merges o into c. Empty fields of o keep the values already on c and a
// terminal status is never replaced.
func (c Call) Apply(o Outcome, now time.Time) Call {
	if o.Status != "" && !c.Status.Terminal() {
		c.Status = o.Status
	}
	if o.Transcript != "" {
		c.Transcript = o.Transcript
	}
	if len(o.Analysis) > 0 {
		c.Analysis = c.Analysis.Merge(o.Analysis)
	}
	if o.RecordingURL != "" {
		c.RecordingURL = o.RecordingURL
	}
	if o.DurationSeconds > 0 {
		c.DurationSeconds = o.DurationSeconds
	}
	if o.StartedAt != nil {
		c.StartedAt = o.StartedAt
	}
	if o.EndedAt != nil {
		c.EndedAt = o.EndedAt
	}
	c.UpdatedAt = now
	return c
}

package telephony

import (
	"context"
	"errors"
	"time"

	"campaign-runner/internal/record"
)

// Provider places outbound calls. Results arrive later as Notifications.
//
// Rules:
//   - No provider SDK calls outside telephony adapters.
//   - PlaceCall errors wrap one of ErrRejected, ErrUnauthorized or ErrUnavailable
//     so callers can decide between failing the row and failing the run.
type Provider interface {
	Name() string
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
}

var (
	// ErrRejected means the provider refused this one call (bad number, throttled).
	ErrRejected = errors.New("telephony: call rejected")
	// ErrUnauthorized means credentials or account state block every call.
	ErrUnauthorized = errors.New("telephony: provider unauthorized")
	// ErrUnavailable means the provider could not be reached.
	ErrUnavailable = errors.New("telephony: provider unavailable")
)

// RunFatal reports whether err should stop the whole run rather than one row.
func RunFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrUnavailable)
}

type PlaceCallRequest struct {
	// From and To are E.164.
	From string `json:"from"`
	To   string `json:"to"`

	AgentID string `json:"agent_id"`

	// Variables are handed to the agent as dynamic variables.
	Variables map[string]string `json:"variables,omitempty"`

	// Metadata is echoed back on every notification for the call.
	Metadata map[string]string `json:"metadata,omitempty"`
}

type PlaceCallResult struct {
	ExternalCallID string `json:"external_call_id"`
	Status         string `json:"status,omitempty"`
}

// Metadata keys set on every placed call.
const (
	MetadataRowID = "row_id"
	MetadataRunID = "run_id"
)

// Outcome is the provider-agnostic result carried by a Notification.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeCompleted  Outcome = "completed"
	OutcomeVoicemail  Outcome = "voicemail"
	OutcomeNoAnswer   Outcome = "no_answer"
	OutcomeBusy       Outcome = "busy"
	OutcomeFailed     Outcome = "failed"
	OutcomeCanceled   Outcome = "canceled"
)

// Notification is one asynchronous call update from the provider.
type Notification struct {
	ExternalCallID string  `json:"external_call_id" validate:"required,max=128"`
	Outcome        Outcome `json:"outcome" validate:"required,max=64"`

	// RowID is the row_id metadata echoed by the provider. It lets a
	// notification find its row before the dispatcher has stored the call id.
	RowID string `json:"row_id,omitempty" validate:"omitempty,max=64"`
	RunID string `json:"run_id,omitempty" validate:"omitempty,max=64"`

	Direction string `json:"direction,omitempty" validate:"omitempty,oneof=inbound outbound"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`

	Reason       string        `json:"reason,omitempty"`
	Analysis     record.Record `json:"analysis,omitempty"`
	PostCallData record.Record `json:"post_call_data,omitempty"`
	Transcript   string        `json:"transcript,omitempty"`
	RecordingURL string        `json:"recording_url,omitempty" validate:"omitempty,url"`

	DurationSeconds int64      `json:"duration_seconds,omitempty" validate:"gte=0"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

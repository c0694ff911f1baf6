package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - organization_id is required, except for webhook notifications that could
//   not be matched to any organization.
// - actor and ip capture are best-effort; do not block critical flows on audit failures.
//
// Storage (Postgres): table audit_events, INSERT-only.

type Event struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id,omitempty" db:"organization_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event. Empty for
	// system actions (scheduler, webhooks).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	RunID  string `json:"run_id,omitempty" db:"run_id"`
	RowID  string `json:"row_id,omitempty" db:"row_id"`
	CallID string `json:"call_id,omitempty" db:"call_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeRunTransition   EventType = "run_transition"
	EventTypeRowSkipped      EventType = "row_skipped"
	EventTypeWebhookDropped  EventType = "webhook_dropped"
	EventTypeDispatchFailed  EventType = "dispatch_failed"
	EventTypeCountersRebuilt EventType = "counters_rebuilt"
)

// Actor identifies who triggered an audited action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// System is the actor for scheduler and webhook driven changes.
var System = Actor{Role: "system"}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// Events are never updated or deleted.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to organization users by default.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.OrganizationID == "" && e.Type != EventTypeWebhookDropped {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogRunTransition records a run status change.
func (s *Service) LogRunTransition(ctx context.Context, actor Actor, orgID, runID, from, to, reason string) error {
	return s.Append(ctx, Event{
		OrganizationID: orgID,
		Type:           EventTypeRunTransition,
		ActorUserID:    actor.UserID,
		ActorRole:      actor.Role,
		IPAddress:      actor.IP,
		RunID:          runID,
		Message:        from + " -> " + to,
		Metadata:       metadataJSON(map[string]string{"from": from, "to": to, "reason": reason}),
	})
}

// LogRowSkipped records a manual skip of a pending row.
func (s *Service) LogRowSkipped(ctx context.Context, actor Actor, orgID, runID, rowID string) error {
	return s.Append(ctx, Event{
		OrganizationID: orgID,
		Type:           EventTypeRowSkipped,
		ActorUserID:    actor.UserID,
		ActorRole:      actor.Role,
		IPAddress:      actor.IP,
		RunID:          runID,
		RowID:          rowID,
		Message:        "row skipped",
	})
}

// LogWebhookDropped records a provider notification that matched no row and no call.
func (s *Service) LogWebhookDropped(ctx context.Context, externalCallID, outcome, reason string) error {
	return s.Append(ctx, Event{
		Type:     EventTypeWebhookDropped,
		CallID:   externalCallID,
		Message:  reason,
		Metadata: metadataJSON(map[string]string{"outcome": outcome}),
	})
}

// LogDispatchFailure records a placement error for a claimed row.
func (s *Service) LogDispatchFailure(ctx context.Context, orgID, runID, rowID, reason string, runFatal bool) error {
	kind := "row"
	if runFatal {
		kind = "run"
	}
	return s.Append(ctx, Event{
		OrganizationID: orgID,
		Type:           EventTypeDispatchFailed,
		ActorRole:      System.Role,
		RunID:          runID,
		RowID:          rowID,
		Message:        reason,
		Metadata:       metadataJSON(map[string]string{"scope": kind}),
	})
}

// LogCountersRebuilt records a counter repair with the before/after values.
func (s *Service) LogCountersRebuilt(ctx context.Context, actor Actor, orgID, runID string, before, after any) error {
	raw, _ := json.Marshal(map[string]any{"before": before, "after": after})
	return s.Append(ctx, Event{
		OrganizationID: orgID,
		Type:           EventTypeCountersRebuilt,
		ActorUserID:    actor.UserID,
		ActorRole:      actor.Role,
		IPAddress:      actor.IP,
		RunID:          runID,
		Message:        "counters rebuilt",
		Metadata:       string(raw),
	})
}

func metadataJSON(m map[string]string) string {
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		return ""
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(raw)
}

package store

import (
	"context"
	"errors"
	"time"

	"campaign-runner/internal/calls"
	"campaign-runner/internal/campaigns"
	"campaign-runner/internal/orgs"
	"campaign-runner/internal/record"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrConflict        = errors.New("store: conflicting state")
	ErrAtCapacity      = errors.New("store: organization at concurrent call limit")
	ErrNoPendingRows   = errors.New("store: no pending rows")
	ErrInvalidArgument = errors.New("store: invalid argument")
)

// Store is the persistence contract for organizations, campaigns, runs, rows
// and calls. Consumers depend on narrower interfaces declared in their own
// packages; Store is what the process wires.
//
// Every row status change is a compare-and-set on the row's current status and
// commits together with the run counter delta it implies.
type Store interface {
	CreateOrganization(ctx context.Context, o orgs.Organization) error
	GetOrganization(ctx context.Context, id string) (orgs.Organization, error)

	CreateCampaign(ctx context.Context, c campaigns.Campaign) error
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)

	CreateRun(ctx context.Context, r runs.Run) error
	GetRun(ctx context.Context, id string) (runs.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]runs.Run, error)
	UpdateRunStatus(ctx context.Context, id string, from []runs.Status, to runs.Status, mutate func(*runs.Run)) (runs.Run, error)

	InsertRows(ctx context.Context, rs []rows.Row) error
	GetRow(ctx context.Context, id string) (rows.Row, error)
	ListRows(ctx context.Context, runID string, f rows.Filter) ([]rows.Row, error)
	FindRowByCallID(ctx context.Context, externalCallID string) (rows.Row, error)
	ClaimNextRow(ctx context.Context, runID string) (rows.Row, error)
	UpdateRow(ctx context.Context, u RowUpdate) (rows.Row, runs.Run, error)
	AttachCall(ctx context.Context, rowID string, c calls.Call) error
	CountActiveRows(ctx context.Context, runID string) (int, error)
	CountRows(ctx context.Context, runID, kpiKey string) (Counts, error)
	RebuildCounters(ctx context.Context, runID, kpiKey string) (runs.Run, error)

	InsertCall(ctx context.Context, c calls.Call) error
	GetCallByExternalID(ctx context.Context, externalCallID string) (calls.Call, error)
	UpdateCallOutcome(ctx context.Context, externalCallID string, o calls.Outcome) (calls.Call, error)
	ListCallsByRun(ctx context.Context, runID string) ([]calls.Call, error)
}

// RunFilter selects runs. An empty Statuses matches every status.
type RunFilter struct {
	Statuses []runs.Status
	// ScheduledBefore keeps only runs whose scheduled_at is at or before it.
	ScheduledBefore *time.Time
	OrganizationID  string
	Limit           int
}

// RowUpdate moves one row From -> To. From == To is allowed only to attach
// data to a row without changing its status.
type RowUpdate struct {
	RowID string
	From  rows.Status
	To    rows.Status

	Error        *string
	Analysis     record.Record
	PostCallData record.Record

	// CallID is written only when the row has no call id yet.
	CallID string

	Delta runs.CounterDelta
}

// Counts is a live recount of a run's rows.
type Counts struct {
	Rows  runs.RowCounts
	Calls runs.CallCounts
}

func (u RowUpdate) validate() error {
	if u.RowID == "" || !u.From.Valid() || !u.To.Valid() {
		return ErrInvalidArgument
	}
	if u.From != u.To {
		if err := rows.CheckTransition(u.From, u.To); err != nil {
			return err
		}
	} else if !u.Delta.IsZero() {
		return ErrInvalidArgument
	}
	if u.To == rows.StatusSkipped && u.CallID != "" {
		return ErrInvalidArgument
	}
	return nil
}

func statusIn(s runs.Status, set []runs.Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func transitionSources(from []runs.Status, to runs.Status) []runs.Status {
	if len(from) == 0 {
		return runs.Sources(to)
	}
	return from
}

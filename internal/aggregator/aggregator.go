package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"campaign-runner/internal/audit"
	"campaign-runner/internal/campaigns"
	"campaign-runner/internal/events"
	"campaign-runner/internal/metrics"
	"campaign-runner/internal/record"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"
	"campaign-runner/internal/store"
)

var (
	ErrRunClosed   = errors.New("aggregator: run is completed or failed")
	ErrRunNotReady = errors.New("aggregator: run rows are still being built")
	ErrRowNotInRun = errors.New("aggregator: row does not belong to run")
)

type Store interface {
	GetRun(ctx context.Context, id string) (runs.Run, error)
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	GetRow(ctx context.Context, id string) (rows.Row, error)
	UpdateRow(ctx context.Context, u store.RowUpdate) (rows.Row, runs.Run, error)
	RebuildCounters(ctx context.Context, runID, kpiKey string) (runs.Run, error)
}

// Completer is satisfied by the run state machine.
type Completer interface {
	CompleteIfDone(ctx context.Context, runID string) (runs.Run, bool, error)
}

type Auditor interface {
	LogRowSkipped(ctx context.Context, actor audit.Actor, orgID, runID, rowID string) error
	LogCountersRebuilt(ctx context.Context, actor audit.Actor, orgID, runID string, before, after any) error
}

// Transition is one requested row status change plus the data it carries.
type Transition struct {
	RunID string
	RowID string
	From  rows.Status
	To    rows.Status

	Error        *string
	Analysis     record.Record
	PostCallData record.Record
	CallID       string
}

// Aggregator keeps run counters in step with row changes. Every row status
// change in the process goes through ApplyTransition, which hands the row
// compare-and-set and the counter delta to the store as one unit.
type Aggregator struct {
	store     Store
	completer Completer
	audit     Auditor
	events    events.Publisher
	log       *slog.Logger
	clock     func() time.Time
}

func New(st Store, completer Completer, au Auditor, pub events.Publisher, log *slog.Logger) *Aggregator {
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{store: st, completer: completer, audit: au, events: pub, log: log, clock: time.Now}
}

// Delta is the counter change implied by moving one valid row from -> to.
// Completed rows also count as voicemail or connected, and as converted when
// the campaign's main KPI field is true in the call analysis.
func Delta(from, to rows.Status, analysis record.Record, kpiKey string) runs.CounterDelta {
	var d runs.CounterDelta
	if from == to {
		return d
	}
	bump(&d, from, -1)
	bump(&d, to, 1)
	if to == rows.StatusCompleted {
		if analysis.Truthy(rows.VoicemailKey) {
			d.Voicemail++
		} else {
			d.Connected++
		}
		if kpiKey != "" && analysis.Truthy(kpiKey) {
			d.Converted++
		}
	}
	return d
}

func bump(d *runs.CounterDelta, s rows.Status, n int) {
	switch s {
	case rows.StatusPending:
		d.Pending += n
	case rows.StatusCalling:
		d.Calling += n
	case rows.StatusCompleted:
		d.Completed += n
	case rows.StatusFailed:
		d.Failed += n
	case rows.StatusSkipped:
		d.Skipped += n
	}
}

// ApplyTransition moves a row and adjusts its run's counters atomically.
//
// On store.ErrConflict the returned row is the row as currently stored, so
// callers can tell an already-applied retry from a genuine conflict.
func (a *Aggregator) ApplyTransition(ctx context.Context, t Transition) (rows.Row, runs.Run, error) {
	if err := rows.CheckTransition(t.From, t.To); err != nil && t.From != t.To {
		return rows.Row{}, runs.Run{}, err
	}

	kpiKey := ""
	if t.To == rows.StatusCompleted {
		key, err := a.kpiKey(ctx, t.RunID)
		if err != nil {
			return rows.Row{}, runs.Run{}, err
		}
		kpiKey = key
	}

	row, run, err := a.store.UpdateRow(ctx, store.RowUpdate{
		RowID:        t.RowID,
		From:         t.From,
		To:           t.To,
		Error:        t.Error,
		Analysis:     t.Analysis,
		PostCallData: t.PostCallData,
		CallID:       t.CallID,
		Delta:        Delta(t.From, t.To, t.Analysis, kpiKey),
	})
	if err != nil {
		return row, run, err
	}

	if t.From != t.To {
		metrics.RowTransition(string(t.From), string(t.To))
		a.log.Debug("row transition",
			"run_id", row.RunID,
			"row_id", row.ID,
			"from", string(t.From),
			"to", string(t.To),
			"version", run.Version,
		)
	}
	a.publish(ctx, events.Event{
		Type:           events.TypeRowStatus,
		RunID:          row.RunID,
		OrganizationID: row.OrganizationID,
		RowID:          row.ID,
		Status:         string(row.Status),
		Version:        run.Version,
		Metadata:       run.Metadata,
		At:             a.clock().UTC(),
	})

	if t.To.Terminal() && t.From != t.To && a.completer != nil {
		done, completed, err := a.completer.CompleteIfDone(ctx, row.RunID)
		if err != nil {
			// the scheduler sweep retries completion
			a.log.Warn("complete run", "run_id", row.RunID, "error", err)
		} else if completed {
			run = done
		}
	}
	return row, run, nil
}

// SkipRow is the manual pending -> skipped action. Only rows of a run that has
// not finished can be skipped.
func (a *Aggregator) SkipRow(ctx context.Context, actor audit.Actor, runID, rowID string) (rows.Row, runs.Run, error) {
	row, err := a.store.GetRow(ctx, rowID)
	if err != nil {
		return rows.Row{}, runs.Run{}, err
	}
	if row.RunID != runID {
		return rows.Row{}, runs.Run{}, ErrRowNotInRun
	}
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return row, runs.Run{}, err
	}
	if run.Status.Terminal() {
		return row, run, ErrRunClosed
	}
	if run.Status == runs.StatusDraft || run.Status == runs.StatusProcessing {
		return row, run, ErrRunNotReady
	}
	if err := rows.CheckTransition(row.Status, rows.StatusSkipped); err != nil {
		return row, run, err
	}

	row, run, err = a.ApplyTransition(ctx, Transition{
		RunID: runID,
		RowID: rowID,
		From:  rows.StatusPending,
		To:    rows.StatusSkipped,
	})
	if errors.Is(err, store.ErrConflict) {
		return row, run, fmt.Errorf("%w: %w", rows.ErrInvalidTransition, err)
	}
	if err != nil {
		return row, run, err
	}
	if a.audit != nil {
		if err := a.audit.LogRowSkipped(ctx, actor, row.OrganizationID, runID, rowID); err != nil {
			a.log.Warn("audit row skipped", "row_id", rowID, "error", err)
		}
	}
	return row, run, nil
}

// Rebuild recomputes a run's counters from its rows. Any difference from the
// cached values is logged and audited.
func (a *Aggregator) Rebuild(ctx context.Context, actor audit.Actor, runID string) (runs.Run, error) {
	before, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return runs.Run{}, err
	}
	kpiKey, err := a.kpiKey(ctx, runID)
	if err != nil {
		return before, err
	}
	after, err := a.store.RebuildCounters(ctx, runID, kpiKey)
	if err != nil {
		return before, fmt.Errorf("rebuild counters: %w", err)
	}

	if before.Metadata.Calls != after.Metadata.Calls || before.Metadata.Rows != after.Metadata.Rows {
		a.log.Warn("run counters drifted",
			"run_id", runID,
			"cached", before.Metadata.Calls,
			"live", after.Metadata.Calls,
		)
	}
	if a.audit != nil {
		if err := a.audit.LogCountersRebuilt(ctx, actor, after.OrganizationID, runID, before.Metadata.Calls, after.Metadata.Calls); err != nil {
			a.log.Warn("audit counters rebuilt", "run_id", runID, "error", err)
		}
	}
	a.publish(ctx, events.RunEvent(events.TypeRunMetrics, after, a.clock().UTC()))
	return after, nil
}

func (a *Aggregator) kpiKey(ctx context.Context, runID string) (string, error) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	c, err := a.store.GetCampaign(ctx, run.CampaignID)
	if err != nil {
		return "", fmt.Errorf("campaign for run %s: %w", runID, err)
	}
	return c.MainKPIKey, nil
}

func (a *Aggregator) publish(ctx context.Context, e events.Event) {
	if err := a.events.Publish(ctx, e); err != nil {
		a.log.Warn("publish event", "run_id", e.RunID, "type", string(e.Type), "error", err)
	}
}

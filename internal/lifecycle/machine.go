package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"campaign-runner/internal/audit"
	"campaign-runner/internal/events"
	"campaign-runner/internal/metrics"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"
	"campaign-runner/internal/store"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidTransition = errors.New("lifecycle: invalid run transition")
	ErrInvalidSchedule   = errors.New("lifecycle: scheduled time must be in the future")
	ErrNoValidRows       = errors.New("lifecycle: no valid rows")
)

// Store is the slice of the persistence layer the run state machine needs.
type Store interface {
	GetRun(ctx context.Context, id string) (runs.Run, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]runs.Run, error)
	UpdateRunStatus(ctx context.Context, id string, from []runs.Status, to runs.Status, mutate func(*runs.Run)) (runs.Run, error)
	InsertRows(ctx context.Context, rs []rows.Row) error
	CountActiveRows(ctx context.Context, runID string) (int, error)
}

// Auditor records run transitions. Failures are logged, never returned.
type Auditor interface {
	LogRunTransition(ctx context.Context, actor audit.Actor, orgID, runID, from, to, reason string) error
}

// Machine drives runs through their lifecycle. Every status change is a
// compare-and-set on the status the run had when the change was decided.
type Machine struct {
	store    Store
	audit    Auditor
	events   events.Publisher
	log      *slog.Logger
	validate *validator.Validate
	clock    func() time.Time
}

func NewMachine(st Store, au Auditor, pub events.Publisher, log *slog.Logger) *Machine {
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		store:    st,
		audit:    au,
		events:   pub,
		log:      log,
		validate: validator.New(),
		clock:    time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (m *Machine) SetClock(clock func() time.Time) { m.clock = clock }

func (m *Machine) now() time.Time { return m.clock().UTC() }

/* ===================== Operator actions ===================== */

// Start moves a ready or scheduled run to running. A run whose rows are all
// already terminal completes straight away.
func (m *Machine) Start(ctx context.Context, actor audit.Actor, runID string) (runs.Run, error) {
	now := m.now()
	r, err := m.transition(ctx, actor, runID, runs.StatusRunning, "", func(r *runs.Run) {
		if r.Metadata.Run.StartTime == nil {
			r.Metadata.Run.StartTime = &now
		}
	})
	if err != nil {
		return r, err
	}
	return m.settle(ctx, r)
}

// Schedule parks a ready run until at. The scheduler starts it once at has passed.
func (m *Machine) Schedule(ctx context.Context, actor audit.Actor, runID string, at time.Time) (runs.Run, error) {
	at = at.UTC()
	if !at.After(m.now()) {
		return runs.Run{}, ErrInvalidSchedule
	}
	return m.transition(ctx, actor, runID, runs.StatusScheduled, "", func(r *runs.Run) {
		r.ScheduledAt = &at
		r.Metadata.Run.ScheduledTime = &at
	})
}

// Pause stops new claims. Calls already in flight still reconcile normally.
func (m *Machine) Pause(ctx context.Context, actor audit.Actor, runID string) (runs.Run, error) {
	now := m.now()
	return m.transition(ctx, actor, runID, runs.StatusPaused, "", func(r *runs.Run) {
		r.Metadata.Run.LastPausedAt = &now
	})
}

func (m *Machine) Resume(ctx context.Context, actor audit.Actor, runID string) (runs.Run, error) {
	r, err := m.transition(ctx, actor, runID, runs.StatusRunning, "", func(r *runs.Run) {
		r.Metadata.Run.LastPausedAt = nil
	})
	if err != nil {
		return r, err
	}
	return m.settle(ctx, r)
}

// Fail moves any non-terminal run to failed and records reason as run.error.
func (m *Machine) Fail(ctx context.Context, actor audit.Actor, runID, reason string) (runs.Run, error) {
	now := m.now()
	return m.transition(ctx, actor, runID, runs.StatusFailed, reason, func(r *runs.Run) {
		r.Metadata.Run.Error = reason
		if r.Metadata.Run.EndTime == nil {
			r.Metadata.Run.EndTime = &now
		}
	})
}

/* ===================== Automatic transitions ===================== */

// CompleteIfDone completes a running run once none of its valid rows are
// pending or calling. The check is a fresh count, never the cached counters.
// It reports whether this call performed the transition.
func (m *Machine) CompleteIfDone(ctx context.Context, runID string) (runs.Run, bool, error) {
	r, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return runs.Run{}, false, err
	}
	if r.Status != runs.StatusRunning {
		return r, false, nil
	}
	active, err := m.store.CountActiveRows(ctx, runID)
	if err != nil {
		return r, false, fmt.Errorf("count active rows: %w", err)
	}
	if active > 0 {
		return r, false, nil
	}

	now := m.now()
	done, err := m.transition(ctx, audit.System, runID, runs.StatusCompleted, "", func(r *runs.Run) {
		r.Metadata.Run.EndTime = &now
		if r.Metadata.Run.StartTime != nil {
			r.Metadata.Run.DurationSeconds = int64(now.Sub(*r.Metadata.Run.StartTime).Seconds())
		}
	})
	if errors.Is(err, ErrInvalidTransition) {
		// paused or completed by someone else in the meantime
		return done, false, nil
	}
	if err != nil {
		return done, false, err
	}
	return done, true, nil
}

// StartDueScheduled starts every scheduled run whose time is at or before now.
// Runs that lose a race with an operator action are skipped.
func (m *Machine) StartDueScheduled(ctx context.Context, now time.Time) ([]runs.Run, error) {
	now = now.UTC()
	due, err := m.store.ListRuns(ctx, store.RunFilter{
		Statuses:        []runs.Status{runs.StatusScheduled},
		ScheduledBefore: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("list scheduled runs: %w", err)
	}

	started := make([]runs.Run, 0, len(due))
	for _, r := range due {
		out, err := m.Start(ctx, audit.System, r.ID)
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return started, err
		}
		started = append(started, out)
	}
	return started, nil
}

/* ===================== Internals ===================== */

// settle completes r when nothing is left to dial.
func (m *Machine) settle(ctx context.Context, r runs.Run) (runs.Run, error) {
	done, completed, err := m.CompleteIfDone(ctx, r.ID)
	if err != nil {
		return r, err
	}
	if completed {
		return done, nil
	}
	return r, nil
}

func (m *Machine) transition(ctx context.Context, actor audit.Actor, runID string, to runs.Status, reason string, mutate func(*runs.Run)) (runs.Run, error) {
	before, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return runs.Run{}, err
	}
	if err := runs.CheckTransition(before.Status, to); err != nil {
		return before, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}

	after, err := m.store.UpdateRunStatus(ctx, runID, []runs.Status{before.Status}, to, mutate)
	if errors.Is(err, store.ErrConflict) {
		return after, fmt.Errorf("%w: run %s moved to %s concurrently", ErrInvalidTransition, runID, after.Status)
	}
	if err != nil {
		return after, fmt.Errorf("update run status: %w", err)
	}

	m.log.Info("run transition",
		"run_id", runID,
		"organization_id", after.OrganizationID,
		"from", string(before.Status),
		"to", string(to),
		"version", after.Version,
	)
	metrics.RunTransition(string(to))

	if m.audit != nil {
		if err := m.audit.LogRunTransition(ctx, actor, after.OrganizationID, runID, string(before.Status), string(to), reason); err != nil {
			m.log.Warn("audit run transition", "run_id", runID, "error", err)
		}
	}
	if err := m.events.Publish(ctx, events.RunEvent(events.TypeRunStatus, after, m.now())); err != nil {
		m.log.Warn("publish run event", "run_id", runID, "error", err)
	}
	return after, nil
}

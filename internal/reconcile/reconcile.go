package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"campaign-runner/internal/aggregator"
	"campaign-runner/internal/calls"
	"campaign-runner/internal/metrics"
	"campaign-runner/internal/record"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"
	"campaign-runner/internal/store"
	"campaign-runner/internal/telephony"
)

type Store interface {
	FindRowByCallID(ctx context.Context, externalCallID string) (rows.Row, error)
	GetRow(ctx context.Context, id string) (rows.Row, error)
	GetRun(ctx context.Context, id string) (runs.Run, error)
	GetCallByExternalID(ctx context.Context, externalCallID string) (calls.Call, error)
	InsertCall(ctx context.Context, c calls.Call) error
	UpdateCallOutcome(ctx context.Context, externalCallID string, o calls.Outcome) (calls.Call, error)
}

type Transitioner interface {
	ApplyTransition(ctx context.Context, t aggregator.Transition) (rows.Row, runs.Run, error)
}

type Auditor interface {
	LogWebhookDropped(ctx context.Context, externalCallID, outcome, reason string) error
}

// Waker is told when a call ends so dispatch can use the freed capacity.
type Waker interface {
	Wake()
}

// Result says what a notification did.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultInterim   Result = "interim"
	ResultDuplicate Result = "duplicate"
	ResultCallOnly  Result = "call_only"
	ResultDropped   Result = "dropped"
	ResultError     Result = "error"
)

// Effect is the row and call state one provider outcome maps to.
type Effect struct {
	Row  rows.Status
	Call calls.Status
	// Voicemail is written to analysis.voicemail when set.
	Voicemail *bool
	Interim   bool
}

var (
	yes = true
	no  = false
)

// Classify maps every provider outcome to an Effect. Unknown outcomes fail the row.
func Classify(o telephony.Outcome) Effect {
	switch o {
	case telephony.OutcomeInProgress:
		return Effect{Row: rows.StatusCalling, Call: calls.StatusInProgress, Interim: true}
	case telephony.OutcomeCompleted:
		return Effect{Row: rows.StatusCompleted, Call: calls.StatusCompleted, Voicemail: &no}
	case telephony.OutcomeVoicemail:
		return Effect{Row: rows.StatusCompleted, Call: calls.StatusVoicemail, Voicemail: &yes}
	case telephony.OutcomeNoAnswer:
		return Effect{Row: rows.StatusFailed, Call: calls.StatusNoAnswer}
	case telephony.OutcomeBusy, telephony.OutcomeFailed, telephony.OutcomeCanceled:
		return Effect{Row: rows.StatusFailed, Call: calls.StatusFailed}
	default:
		return Effect{Row: rows.StatusFailed, Call: calls.StatusFailed}
	}
}

// Reconciler applies provider notifications to rows and calls. It is safe to
// call concurrently and any notification may be delivered more than once.
type Reconciler struct {
	store   Store
	agg     Transitioner
	audit   Auditor
	waker   Waker
	log     *slog.Logger
	timeout time.Duration
}

func New(st Store, agg Transitioner, au Auditor, waker Waker, log *slog.Logger, timeout time.Duration) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: st, agg: agg, audit: au, waker: waker, log: log, timeout: timeout}
}

// Reconcile implements telephony.Reconciler.
func (r *Reconciler) Reconcile(ctx context.Context, n telephony.Notification) error {
	_, err := r.Apply(ctx, n)
	return err
}

func (r *Reconciler) Apply(ctx context.Context, n telephony.Notification) (Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	res, err := r.apply(ctx, n)
	if err != nil {
		res = ResultError
	}
	metrics.Webhook(outcomeLabel(n.Outcome), string(res))
	return res, err
}

func (r *Reconciler) apply(ctx context.Context, n telephony.Notification) (Result, error) {
	if n.ExternalCallID == "" {
		return ResultDropped, nil
	}
	log := r.log.With("external_call_id", n.ExternalCallID, "outcome", string(n.Outcome))
	eff := Classify(n.Outcome)

	row, found, err := r.resolveRow(ctx, n)
	if err != nil {
		return "", err
	}
	if !found {
		return r.applyCallOnly(ctx, log, n, eff)
	}
	log = log.With("run_id", row.RunID, "row_id", row.ID)

	if row.Status != rows.StatusCalling && !row.Status.Terminal() {
		log.Warn("notification for row that was never dialed", "row_status", string(row.Status))
		r.dropped(ctx, n, "row not calling")
		return ResultDropped, nil
	}

	if err := r.ensureCall(ctx, row, n); err != nil {
		return "", err
	}
	if _, err := r.store.UpdateCallOutcome(ctx, n.ExternalCallID, callOutcome(n, eff)); err != nil {
		return "", fmt.Errorf("update call: %w", err)
	}

	if row.Status.Terminal() {
		if row.Status != eff.Row && !eff.Interim {
			log.Warn("notification disagrees with terminal row", "row_status", string(row.Status))
		}
		return ResultDuplicate, nil
	}

	callID := ""
	if row.RetellCallID == "" {
		callID = n.ExternalCallID
	}

	if eff.Interim {
		if callID == "" {
			return ResultInterim, nil
		}
		// attach the call id early; status and counters stay as they are
		_, _, err := r.agg.ApplyTransition(ctx, aggregator.Transition{
			RunID: row.RunID, RowID: row.ID, From: rows.StatusCalling, To: rows.StatusCalling, CallID: callID,
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return "", fmt.Errorf("attach call id: %w", err)
		}
		return ResultInterim, nil
	}

	t := aggregator.Transition{
		RunID:        row.RunID,
		RowID:        row.ID,
		From:         rows.StatusCalling,
		To:           eff.Row,
		Analysis:     analysisFor(n, eff),
		PostCallData: n.PostCallData,
		CallID:       callID,
	}
	if eff.Row == rows.StatusFailed {
		msg := n.Reason
		if msg == "" {
			msg = string(n.Outcome)
		}
		t.Error = &msg
	}

	current, _, err := r.agg.ApplyTransition(ctx, t)
	if errors.Is(err, store.ErrConflict) && current.Status.Terminal() {
		return ResultDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("apply row transition: %w", err)
	}

	log.Info("row reconciled", "row_status", string(eff.Row))
	if r.waker != nil {
		r.waker.Wake()
	}
	return ResultApplied, nil
}

// resolveRow finds the row for a notification by call id, falling back to the
// row_id metadata for calls whose id the dispatcher has not stored yet.
func (r *Reconciler) resolveRow(ctx context.Context, n telephony.Notification) (rows.Row, bool, error) {
	row, err := r.store.FindRowByCallID(ctx, n.ExternalCallID)
	if err == nil {
		return row, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return rows.Row{}, false, fmt.Errorf("find row by call id: %w", err)
	}
	if n.RowID == "" {
		return rows.Row{}, false, nil
	}

	row, err = r.store.GetRow(ctx, n.RowID)
	if errors.Is(err, store.ErrNotFound) {
		return rows.Row{}, false, nil
	}
	if err != nil {
		return rows.Row{}, false, fmt.Errorf("get row %s: %w", n.RowID, err)
	}
	if row.RetellCallID != "" && row.RetellCallID != n.ExternalCallID {
		return rows.Row{}, false, nil
	}
	if n.RunID != "" && row.RunID != n.RunID {
		return rows.Row{}, false, nil
	}
	return row, true, nil
}

// ensureCall inserts the outbound call record if the dispatcher has not yet.
func (r *Reconciler) ensureCall(ctx context.Context, row rows.Row, n telephony.Notification) error {
	_, err := r.store.GetCallByExternalID(ctx, n.ExternalCallID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("get call: %w", err)
	}
	run, err := r.store.GetRun(ctx, row.RunID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	err = r.store.InsertCall(ctx, calls.Call{
		OrganizationID: row.OrganizationID,
		CampaignID:     run.CampaignID,
		RunID:          row.RunID,
		RowID:          row.ID,
		PatientID:      row.PatientID,
		Direction:      calls.DirectionOutbound,
		Status:         calls.StatusPending,
		ExternalCallID: n.ExternalCallID,
		From:           n.From,
		To:             n.To,
	})
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (r *Reconciler) applyCallOnly(ctx context.Context, log *slog.Logger, n telephony.Notification, eff Effect) (Result, error) {
	_, err := r.store.UpdateCallOutcome(ctx, n.ExternalCallID, callOutcome(n, eff))
	if err == nil {
		log.Info("call updated without row")
		return ResultCallOnly, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("update call: %w", err)
	}
	log.Warn("notification matched no row or call")
	r.dropped(ctx, n, "no matching row or call")
	return ResultDropped, nil
}

func (r *Reconciler) dropped(ctx context.Context, n telephony.Notification, reason string) {
	if r.audit == nil {
		return
	}
	if err := r.audit.LogWebhookDropped(ctx, n.ExternalCallID, string(n.Outcome), reason); err != nil {
		r.log.Warn("audit dropped webhook", "external_call_id", n.ExternalCallID, "error", err)
	}
}

func analysisFor(n telephony.Notification, eff Effect) record.Record {
	out := n.Analysis.Clone()
	if eff.Voicemail != nil {
		if out == nil {
			out = record.Record{}
		}
		out[rows.VoicemailKey] = record.Bool(*eff.Voicemail)
	}
	return out
}

func callOutcome(n telephony.Notification, eff Effect) calls.Outcome {
	return calls.Outcome{
		Status:          eff.Call,
		Transcript:      n.Transcript,
		Analysis:        n.Analysis,
		RecordingURL:    n.RecordingURL,
		DurationSeconds: int(n.DurationSeconds),
		StartedAt:       n.StartedAt,
		EndedAt:         n.EndedAt,
	}
}

func outcomeLabel(o telephony.Outcome) string {
	switch o {
	case telephony.OutcomeInProgress, telephony.OutcomeCompleted, telephony.OutcomeVoicemail,
		telephony.OutcomeNoAnswer, telephony.OutcomeBusy, telephony.OutcomeFailed, telephony.OutcomeCanceled:
		return string(o)
	default:
		return "other"
	}
}

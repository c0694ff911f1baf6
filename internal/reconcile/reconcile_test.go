package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"campaign-runner/internal/aggregator"
	"campaign-runner/internal/audit"
	"campaign-runner/internal/calls"
	"campaign-runner/internal/campaigns"
	"campaign-runner/internal/events"
	"campaign-runner/internal/lifecycle"
	"campaign-runner/internal/orgs"
	"campaign-runner/internal/record"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"
	"campaign-runner/internal/store"
	"campaign-runner/internal/telephony"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake() { w.n.Add(1) }

type env struct {
	store *store.MemoryStore
	audit *audit.MemoryRepo
	waker *countingWaker
	rec   *Reconciler
}

func newEnv(t *testing.T, n int) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{store: store.NewMemoryStore(), audit: audit.NewMemoryRepo(), waker: &countingWaker{}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := audit.NewService(e.audit)
	broker := events.NewMemoryBroker()
	machine := lifecycle.NewMachine(e.store, svc, broker, log)
	agg := aggregator.New(e.store, machine, svc, broker, log)
	e.rec = New(e.store, agg, svc, e.waker, log, 0)

	require.NoError(t, e.store.CreateOrganization(ctx, orgs.Organization{ID: "org", Phone: "+15550000000"}))
	require.NoError(t, e.store.CreateCampaign(ctx, campaigns.Campaign{ID: "camp", OrganizationID: "org", AgentID: "agent", MainKPIKey: "booked"}))
	require.NoError(t, e.store.CreateRun(ctx, runs.Run{ID: "run", CampaignID: "camp", OrganizationID: "org"}))
	recs := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, record.Record{"phone": record.String(fmt.Sprintf("+1555020%04d", i))})
	}
	_, err := machine.BuildRowsForRun(ctx, audit.System, "run", recs)
	require.NoError(t, err)
	_, err = machine.Start(ctx, audit.System, "run")
	require.NoError(t, err)
	return e
}

// dial claims the next row and records callID against it, as the dispatcher does.
func (e *env) dial(t *testing.T, callID string) rows.Row {
	t.Helper()
	ctx := context.Background()
	row, err := e.store.ClaimNextRow(ctx, "run")
	require.NoError(t, err)
	require.NoError(t, e.store.AttachCall(ctx, row.ID, calls.Call{
		OrganizationID: "org", RunID: "run", RowID: row.ID,
		Direction: calls.DirectionOutbound, Status: calls.StatusPending, ExternalCallID: callID,
	}))
	return row
}

func (e *env) run(t *testing.T) runs.Run {
	t.Helper()
	r, err := e.store.GetRun(context.Background(), "run")
	require.NoError(t, err)
	return r
}

func TestClassify_OutcomeTable(t *testing.T) {
	cases := []struct {
		outcome telephony.Outcome
		row     rows.Status
		call    calls.Status
		vm      *bool
	}{
		{telephony.OutcomeCompleted, rows.StatusCompleted, calls.StatusCompleted, &no},
		{telephony.OutcomeVoicemail, rows.StatusCompleted, calls.StatusVoicemail, &yes},
		{telephony.OutcomeNoAnswer, rows.StatusFailed, calls.StatusNoAnswer, nil},
		{telephony.OutcomeBusy, rows.StatusFailed, calls.StatusFailed, nil},
		{telephony.OutcomeFailed, rows.StatusFailed, calls.StatusFailed, nil},
		{telephony.OutcomeCanceled, rows.StatusFailed, calls.StatusFailed, nil},
		{telephony.Outcome("dial_failed"), rows.StatusFailed, calls.StatusFailed, nil},
		{telephony.OutcomeInProgress, rows.StatusCalling, calls.StatusInProgress, nil},
	}
	for _, tc := range cases {
		eff := Classify(tc.outcome)
		assert.Equal(t, tc.row, eff.Row, tc.outcome)
		assert.Equal(t, tc.call, eff.Call, tc.outcome)
		assert.Equal(t, tc.vm, eff.Voicemail, tc.outcome)
		assert.Equal(t, tc.outcome == telephony.OutcomeInProgress, eff.Interim, tc.outcome)
	}
}

func TestApply_CompletedThenDuplicate(t *testing.T) {
	e := newEnv(t, 2)
	ctx := context.Background()
	row := e.dial(t, "call-1")

	n := telephony.Notification{
		ExternalCallID: "call-1",
		Outcome:        telephony.OutcomeCompleted,
		Analysis:       record.Record{"booked": record.Bool(true)},
		Transcript:     "hello",
	}
	res, err := e.rec.Apply(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	got, err := e.store.GetRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, rows.StatusCompleted, got.Status)
	assert.False(t, got.Analysis.Truthy(rows.VoicemailKey))
	assert.True(t, got.Analysis.Truthy("booked"))

	c, err := e.store.GetCallByExternalID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusCompleted, c.Status)
	assert.Equal(t, "hello", c.Transcript)

	before := e.run(t)
	assert.Equal(t, 1, before.Metadata.Calls.Completed)
	assert.Equal(t, 1, before.Metadata.Calls.Connected)
	assert.Equal(t, 1, before.Metadata.Calls.Converted)

	res, err = e.rec.Apply(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)

	// a conflicting late outcome is also a no-op
	res, err = e.rec.Apply(ctx, telephony.Notification{ExternalCallID: "call-1", Outcome: telephony.OutcomeFailed})
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)

	after := e.run(t)
	assert.Equal(t, before.Metadata.Calls, after.Metadata.Calls)
	assert.Equal(t, before.Version, after.Version)
}

func TestApply_VoicemailAndFailures(t *testing.T) {
	e := newEnv(t, 4)
	ctx := context.Background()
	vm := e.dial(t, "call-vm")
	na := e.dial(t, "call-na")
	weird := e.dial(t, "call-weird")

	for _, n := range []telephony.Notification{
		{ExternalCallID: "call-vm", Outcome: telephony.OutcomeVoicemail},
		{ExternalCallID: "call-na", Outcome: telephony.OutcomeNoAnswer, Reason: "dial_no_answer"},
		{ExternalCallID: "call-weird", Outcome: telephony.Outcome("something_new")},
	} {
		res, err := e.rec.Apply(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, ResultApplied, res)
	}

	got, _ := e.store.GetRow(ctx, vm.ID)
	assert.Equal(t, rows.StatusCompleted, got.Status)
	assert.True(t, got.Analysis.Truthy(rows.VoicemailKey))

	got, _ = e.store.GetRow(ctx, na.ID)
	assert.Equal(t, rows.StatusFailed, got.Status)
	assert.Equal(t, "dial_no_answer", got.Error)
	c, _ := e.store.GetCallByExternalID(ctx, "call-na")
	assert.Equal(t, calls.StatusNoAnswer, c.Status)

	got, _ = e.store.GetRow(ctx, weird.ID)
	assert.Equal(t, rows.StatusFailed, got.Status)
	assert.Equal(t, "something_new", got.Error)

	r := e.run(t)
	assert.Equal(t, 1, r.Metadata.Calls.Voicemail)
	assert.Equal(t, 0, r.Metadata.Calls.Connected)
	assert.Equal(t, 2, r.Metadata.Calls.Failed)
	assert.Equal(t, 1, r.Metadata.Calls.Pending)
	assert.True(t, r.Metadata.Calls.Partitioned(r.Metadata.Rows))
	assert.Equal(t, int32(3), e.waker.n.Load())
}

func TestApply_InterimLeavesRowCalling(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	row := e.dial(t, "call-1")
	before := e.run(t)

	res, err := e.rec.Apply(ctx, telephony.Notification{ExternalCallID: "call-1", Outcome: telephony.OutcomeInProgress})
	require.NoError(t, err)
	assert.Equal(t, ResultInterim, res)

	got, _ := e.store.GetRow(ctx, row.ID)
	assert.Equal(t, rows.StatusCalling, got.Status)
	c, _ := e.store.GetCallByExternalID(ctx, "call-1")
	assert.Equal(t, calls.StatusInProgress, c.Status)
	assert.Equal(t, before.Metadata.Calls, e.run(t).Metadata.Calls)
}

func TestApply_NotificationBeforeCallIDStored(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	row, err := e.store.ClaimNextRow(ctx, "run")
	require.NoError(t, err)

	res, err := e.rec.Apply(ctx, telephony.Notification{
		ExternalCallID: "call-early",
		Outcome:        telephony.OutcomeCompleted,
		RowID:          row.ID,
		RunID:          "run",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	got, _ := e.store.GetRow(ctx, row.ID)
	assert.Equal(t, rows.StatusCompleted, got.Status)
	assert.Equal(t, "call-early", got.RetellCallID)

	c, err := e.store.GetCallByExternalID(ctx, "call-early")
	require.NoError(t, err)
	assert.Equal(t, row.ID, c.RowID)
	assert.Equal(t, "camp", c.CampaignID)

	// the dispatcher's late write must not conflict
	require.NoError(t, e.store.AttachCall(ctx, row.ID, calls.Call{OrganizationID: "org", ExternalCallID: "call-early"}))
	assert.Equal(t, runs.StatusCompleted, e.run(t).Status)
}

func TestApply_HintForAnotherCallIsIgnored(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	row := e.dial(t, "call-1")

	res, err := e.rec.Apply(ctx, telephony.Notification{ExternalCallID: "call-2", Outcome: telephony.OutcomeCompleted, RowID: row.ID})
	require.NoError(t, err)
	assert.Equal(t, ResultDropped, res)

	got, _ := e.store.GetRow(ctx, row.ID)
	assert.Equal(t, rows.StatusCalling, got.Status)
}

func TestApply_CallOnlyAndDropped(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	require.NoError(t, e.store.InsertCall(ctx, calls.Call{
		OrganizationID: "org", Direction: calls.DirectionInbound, Status: calls.StatusInProgress, ExternalCallID: "inbound-1",
	}))

	res, err := e.rec.Apply(ctx, telephony.Notification{ExternalCallID: "inbound-1", Outcome: telephony.OutcomeCompleted, DurationSeconds: 42})
	require.NoError(t, err)
	assert.Equal(t, ResultCallOnly, res)
	c, _ := e.store.GetCallByExternalID(ctx, "inbound-1")
	assert.Equal(t, calls.StatusCompleted, c.Status)
	assert.Equal(t, 42, c.DurationSeconds)

	res, err = e.rec.Apply(ctx, telephony.Notification{ExternalCallID: "ghost", Outcome: telephony.OutcomeCompleted})
	require.NoError(t, err)
	assert.Equal(t, ResultDropped, res)

	evs := e.audit.Events()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, audit.EventTypeWebhookDropped, last.Type)
	assert.Equal(t, "ghost", last.CallID)
}

func TestApply_LastOutcomeCompletesRun(t *testing.T) {
	e := newEnv(t, 2)
	ctx := context.Background()
	e.dial(t, "a")
	e.dial(t, "b")

	_, err := e.rec.Apply(ctx, telephony.Notification{ExternalCallID: "a", Outcome: telephony.OutcomeCompleted})
	require.NoError(t, err)
	assert.Equal(t, runs.StatusRunning, e.run(t).Status)

	_, err = e.rec.Apply(ctx, telephony.Notification{ExternalCallID: "b", Outcome: telephony.OutcomeBusy})
	require.NoError(t, err)
	r := e.run(t)
	assert.Equal(t, runs.StatusCompleted, r.Status)
	require.NotNil(t, r.Metadata.Run.EndTime)
}

func TestApply_PausedRunStillReconciles(t *testing.T) {
	e := newEnv(t, 2)
	ctx := context.Background()
	row := e.dial(t, "a")
	_, err := e.store.UpdateRunStatus(ctx, "run", nil, runs.StatusPaused, nil)
	require.NoError(t, err)

	res, err := e.rec.Apply(ctx, telephony.Notification{ExternalCallID: "a", Outcome: telephony.OutcomeCompleted})
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)
	got, _ := e.store.GetRow(ctx, row.ID)
	assert.Equal(t, rows.StatusCompleted, got.Status)
	assert.Equal(t, runs.StatusPaused, e.run(t).Status)
}

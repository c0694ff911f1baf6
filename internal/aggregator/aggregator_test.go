package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"campaign-runner/internal/audit"
	"campaign-runner/internal/campaigns"
	"campaign-runner/internal/events"
	"campaign-runner/internal/lifecycle"
	"campaign-runner/internal/orgs"
	"campaign-runner/internal/record"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"
	"campaign-runner/internal/store"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kpiKey = "appointment_booked"

type harness struct {
	t      *testing.T
	store  *store.MemoryStore
	audit  *audit.MemoryRepo
	broker *events.MemoryBroker
	agg    *Aggregator
	runID  string
	last   *Transition
}

func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		t:      t,
		store:  store.NewMemoryStore(),
		audit:  audit.NewMemoryRepo(),
		broker: events.NewMemoryBroker(),
		runID:  "run",
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := audit.NewService(h.audit)
	machine := lifecycle.NewMachine(h.store, svc, h.broker, log)
	h.agg = New(h.store, machine, svc, h.broker, log)

	require.NoError(t, h.store.CreateOrganization(ctx, orgs.Organization{ID: "org", ConcurrentCallLimit: 100}))
	require.NoError(t, h.store.CreateCampaign(ctx, campaigns.Campaign{ID: "camp", OrganizationID: "org", AgentID: "agent", MainKPIKey: kpiKey}))
	require.NoError(t, h.store.CreateRun(ctx, runs.Run{ID: h.runID, CampaignID: "camp", OrganizationID: "org"}))

	recs := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, record.Record{"phone": record.String(fmt.Sprintf("+1555010%04d", i))})
	}
	_, err := machine.BuildRowsForRun(ctx, audit.System, h.runID, recs)
	require.NoError(t, err)
	_, err = machine.Start(ctx, audit.System, h.runID)
	require.NoError(t, err)
	return h
}

func (h *harness) first(status rows.Status) (rows.Row, bool) {
	list, err := h.store.ListRows(context.Background(), h.runID, rows.Filter{Status: status, Limit: 1})
	require.NoError(h.t, err)
	if len(list) == 0 {
		return rows.Row{}, false
	}
	return list[0], true
}

func (h *harness) complete(analysis record.Record) {
	row, ok := h.first(rows.StatusCalling)
	if !ok {
		return
	}
	t := Transition{RunID: h.runID, RowID: row.ID, From: rows.StatusCalling, To: rows.StatusCompleted, Analysis: analysis}
	h.apply(t)
}

func (h *harness) apply(t Transition) {
	_, _, err := h.agg.ApplyTransition(context.Background(), t)
	require.NoError(h.t, err)
	h.last = &t
}

func (h *harness) step(op int) {
	ctx := context.Background()
	switch op {
	case 0:
		_, err := h.store.ClaimNextRow(ctx, h.runID)
		if err != nil && !errors.Is(err, store.ErrNoPendingRows) && !errors.Is(err, store.ErrConflict) {
			require.NoError(h.t, err)
		}
	case 1:
		h.complete(record.Record{rows.VoicemailKey: record.Bool(true)})
	case 2:
		h.complete(record.Record{rows.VoicemailKey: record.Bool(false), kpiKey: record.Bool(true)})
	case 3:
		row, ok := h.first(rows.StatusCalling)
		if !ok {
			return
		}
		msg := "no answer"
		h.apply(Transition{RunID: h.runID, RowID: row.ID, From: rows.StatusCalling, To: rows.StatusFailed, Error: &msg})
	case 4:
		row, ok := h.first(rows.StatusPending)
		if !ok {
			return
		}
		_, _, err := h.agg.SkipRow(ctx, audit.System, h.runID, row.ID)
		require.NoError(h.t, err)
	case 5:
		if h.last == nil {
			return
		}
		_, _, err := h.agg.ApplyTransition(ctx, *h.last)
		require.ErrorIs(h.t, err, store.ErrConflict)
	}
}

// consistent checks the cached counters against a live recount and that a
// drained run has completed.
func (h *harness) consistent() bool {
	ctx := context.Background()
	run, err := h.store.GetRun(ctx, h.runID)
	require.NoError(h.t, err)
	live, err := h.store.CountRows(ctx, h.runID, kpiKey)
	require.NoError(h.t, err)

	if run.Metadata.Calls != live.Calls || !run.Metadata.Calls.Partitioned(run.Metadata.Rows) {
		h.t.Logf("cached %+v live %+v", run.Metadata.Calls, live.Calls)
		return false
	}
	drained := live.Calls.Pending+live.Calls.Calling == 0
	return drained == (run.Status == runs.StatusCompleted)
}

func TestDelta(t *testing.T) {
	cases := []struct {
		name     string
		from, to rows.Status
		analysis record.Record
		want     runs.CounterDelta
	}{
		{"claim", rows.StatusPending, rows.StatusCalling, nil, runs.CounterDelta{Pending: -1, Calling: 1}},
		{"skip", rows.StatusPending, rows.StatusSkipped, nil, runs.CounterDelta{Pending: -1, Skipped: 1}},
		{"fail", rows.StatusCalling, rows.StatusFailed, nil, runs.CounterDelta{Calling: -1, Failed: 1}},
		{"connected", rows.StatusCalling, rows.StatusCompleted, record.Record{}, runs.CounterDelta{Calling: -1, Completed: 1, Connected: 1}},
		{"voicemail", rows.StatusCalling, rows.StatusCompleted,
			record.Record{rows.VoicemailKey: record.Bool(true)},
			runs.CounterDelta{Calling: -1, Completed: 1, Voicemail: 1}},
		{"converted", rows.StatusCalling, rows.StatusCompleted,
			record.Record{kpiKey: record.Bool(true)},
			runs.CounterDelta{Calling: -1, Completed: 1, Connected: 1, Converted: 1}},
		{"kpi as text is not a conversion", rows.StatusCalling, rows.StatusCompleted,
			record.Record{kpiKey: record.String("true")},
			runs.CounterDelta{Calling: -1, Completed: 1, Connected: 1}},
		{"same status", rows.StatusCalling, rows.StatusCalling, nil, runs.CounterDelta{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Delta(tc.from, tc.to, tc.analysis, kpiKey))
		})
	}
}

func TestCountersMatchLiveRecount(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("cached counters equal a live recount after every step", prop.ForAll(
		func(ops []int) bool {
			h := newHarness(t, 6)
			if !h.consistent() {
				return false
			}
			for _, op := range ops {
				h.step(op)
				if !h.consistent() {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(40, gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}

func TestApplyTransition_TerminalRowsAreFrozen(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	_, err := h.store.ClaimNextRow(ctx, h.runID)
	require.NoError(t, err)
	row, _ := h.first(rows.StatusCalling)

	h.apply(Transition{RunID: h.runID, RowID: row.ID, From: rows.StatusCalling, To: rows.StatusCompleted})

	msg := "late failure"
	current, _, err := h.agg.ApplyTransition(ctx, Transition{RunID: h.runID, RowID: row.ID, From: rows.StatusCalling, To: rows.StatusFailed, Error: &msg})
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, rows.StatusCompleted, current.Status)
	assert.Empty(t, current.Error)

	_, _, err = h.agg.ApplyTransition(ctx, Transition{RunID: h.runID, RowID: row.ID, From: rows.StatusCompleted, To: rows.StatusFailed})
	require.ErrorIs(t, err, rows.ErrInvalidTransition)
}

func TestApplyTransition_ConcurrentOutcomesCompleteOnce(t *testing.T) {
	const n = 20
	h := newHarness(t, n)
	ctx := context.Background()

	claimed := make([]rows.Row, 0, n)
	for i := 0; i < n; i++ {
		row, err := h.store.ClaimNextRow(ctx, h.runID)
		require.NoError(t, err)
		claimed = append(claimed, row)
	}

	var wg sync.WaitGroup
	for i, row := range claimed {
		// every outcome is delivered twice
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(i int, row rows.Row) {
				defer wg.Done()
				to := rows.StatusCompleted
				if i%4 == 0 {
					to = rows.StatusFailed
				}
				_, _, err := h.agg.ApplyTransition(ctx, Transition{RunID: h.runID, RowID: row.ID, From: rows.StatusCalling, To: to})
				if err != nil && !errors.Is(err, store.ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}(i, row)
		}
	}
	wg.Wait()

	run, err := h.store.GetRun(ctx, h.runID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, run.Status)
	assert.Equal(t, 15, run.Metadata.Calls.Completed)
	assert.Equal(t, 5, run.Metadata.Calls.Failed)
	assert.Equal(t, 0, run.Metadata.Calls.Calling)
	assert.True(t, run.Metadata.Calls.Partitioned(run.Metadata.Rows))

	completions := 0
	for _, e := range h.audit.Events() {
		if e.Type == audit.EventTypeRunTransition && e.Message == "running -> completed" {
			completions++
		}
	}
	assert.Equal(t, 1, completions)
}

func TestSkipRow(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	pending, _ := h.first(rows.StatusPending)

	row, run, err := h.agg.SkipRow(ctx, audit.Actor{UserID: "u-1", Role: "admin"}, h.runID, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, rows.StatusSkipped, row.Status)
	assert.Empty(t, row.RetellCallID)
	assert.Equal(t, 1, run.Metadata.Calls.Skipped)
	assert.Equal(t, 1, run.Metadata.Calls.Pending)

	_, _, err = h.agg.SkipRow(ctx, audit.System, h.runID, pending.ID)
	require.ErrorIs(t, err, rows.ErrInvalidTransition)

	_, _, err = h.agg.SkipRow(ctx, audit.System, "other-run", pending.ID)
	require.ErrorIs(t, err, ErrRowNotInRun)

	var skipped int
	for _, e := range h.audit.Events() {
		if e.Type == audit.EventTypeRowSkipped {
			skipped++
			assert.Equal(t, "u-1", e.ActorUserID)
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestSkipRow_CallingRowCannotBeSkipped(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	row, err := h.store.ClaimNextRow(ctx, h.runID)
	require.NoError(t, err)

	_, _, err = h.agg.SkipRow(ctx, audit.System, h.runID, row.ID)
	require.ErrorIs(t, err, rows.ErrInvalidTransition)
}

func TestSkipRow_LastPendingRowCompletesRun(t *testing.T) {
	h := newHarness(t, 1)
	row, _ := h.first(rows.StatusPending)

	_, run, err := h.agg.SkipRow(context.Background(), audit.System, h.runID, row.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, run.Status)

	_, _, err = h.agg.SkipRow(context.Background(), audit.System, h.runID, row.ID)
	require.ErrorIs(t, err, ErrRunClosed)
}

func TestRebuild_RepairsDrift(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	repo := audit.NewMemoryRepo()
	agg := New(s, nil, audit.NewService(repo), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, s.CreateOrganization(ctx, orgs.Organization{ID: "org"}))
	require.NoError(t, s.CreateCampaign(ctx, campaigns.Campaign{ID: "camp", OrganizationID: "org", MainKPIKey: kpiKey}))
	require.NoError(t, s.CreateRun(ctx, runs.Run{
		ID: "run", CampaignID: "camp", OrganizationID: "org", Status: runs.StatusRunning,
		Metadata: runs.Metadata{
			Rows:  runs.RowCounts{Total: 2},
			Calls: runs.CallCounts{Total: 2, Pending: 5, Completed: 3},
		},
	}))
	require.NoError(t, s.InsertRows(ctx, []rows.Row{
		{ID: "r1", RunID: "run", OrganizationID: "org", Status: rows.StatusPending, SortIndex: 0},
		{ID: "r2", RunID: "run", OrganizationID: "org", Status: rows.StatusCalling, SortIndex: 1},
	}))

	run, err := agg.Rebuild(ctx, audit.System, "run")
	require.NoError(t, err)
	assert.Equal(t, runs.CallCounts{Total: 2, Pending: 1, Calling: 1}, run.Metadata.Calls)
	assert.True(t, run.Metadata.Calls.Partitioned(run.Metadata.Rows))

	evs := repo.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, audit.EventTypeCountersRebuilt, evs[0].Type)
	assert.Contains(t, evs[0].Metadata, `"before"`)
}

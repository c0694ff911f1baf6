package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"campaign-runner/internal/aggregator"
	"campaign-runner/internal/audit"
	"campaign-runner/internal/campaigns"
	"campaign-runner/internal/dispatch"
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

type countingProvider struct {
	mu sync.Mutex
	n  int
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) PlaceCall(context.Context, telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return telephony.PlaceCallResult{ExternalCallID: fmt.Sprintf("call-%d", p.n)}, nil
}

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

type env struct {
	store    *store.MemoryStore
	machine  *lifecycle.Machine
	agg      *aggregator.Aggregator
	provider *countingProvider
	sched    *Scheduler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: store.NewMemoryStore(), provider: &countingProvider{}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := audit.NewService(audit.NewMemoryRepo())
	broker := events.NewMemoryBroker()
	e.machine = lifecycle.NewMachine(e.store, svc, broker, log)
	e.machine.SetClock(func() time.Time { return now })
	e.agg = aggregator.New(e.store, e.machine, svc, broker, log)
	d := dispatch.New(e.store, e.agg, e.machine, svc, e.provider, nil, log, dispatch.Config{RatePerSecond: 1000, Burst: 100})
	e.sched = New(e.store, e.machine, d, log, time.Hour)
	e.sched.SetClock(func() time.Time { return now })

	ctx := context.Background()
	require.NoError(t, e.store.CreateOrganization(ctx, orgs.Organization{ID: "org", Phone: "+15550000000", ConcurrentCallLimit: 3}))
	require.NoError(t, e.store.CreateCampaign(ctx, campaigns.Campaign{ID: "camp", OrganizationID: "org", AgentID: "agent"}))
	return e
}

func (e *env) readyRun(t *testing.T, id string, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.CreateRun(ctx, runs.Run{ID: id, CampaignID: "camp", OrganizationID: "org"}))
	recs := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, record.Record{"phone": record.String(fmt.Sprintf("+1555030%04d", i))})
	}
	_, err := e.machine.BuildRowsForRun(ctx, audit.System, id, recs)
	require.NoError(t, err)
}

func (e *env) finishCalling(t *testing.T, runID string) {
	t.Helper()
	ctx := context.Background()
	list, err := e.store.ListRows(ctx, runID, rows.Filter{Status: rows.StatusCalling})
	require.NoError(t, err)
	for _, row := range list {
		_, _, err := e.agg.ApplyTransition(ctx, aggregator.Transition{RunID: runID, RowID: row.ID, From: rows.StatusCalling, To: rows.StatusCompleted})
		require.NoError(t, err)
	}
}

func TestRunOnce_DispatchesUpToLimitThenCompletes(t *testing.T) {
	e := newEnv(t)
	e.readyRun(t, "run", 5)
	ctx := context.Background()
	_, err := e.machine.Start(ctx, audit.System, "run")
	require.NoError(t, err)

	st := e.sched.RunOnce(ctx)
	assert.Equal(t, 3, st.Placed)

	e.finishCalling(t, "run")
	st = e.sched.RunOnce(ctx)
	assert.Equal(t, 2, st.Placed)

	e.finishCalling(t, "run")
	r, err := e.store.GetRun(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, r.Status)
	assert.Equal(t, 5, r.Metadata.Calls.Completed)
	assert.Equal(t, 5, e.provider.n)
}

func TestRunOnce_StartsDueScheduledRuns(t *testing.T) {
	e := newEnv(t)
	e.readyRun(t, "due", 1)
	e.readyRun(t, "later", 1)
	ctx := context.Background()

	e.machine.SetClock(func() time.Time { return now.Add(-time.Hour) })
	_, err := e.machine.Schedule(ctx, audit.System, "due", now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = e.machine.Schedule(ctx, audit.System, "later", now.Add(time.Hour))
	require.NoError(t, err)
	e.machine.SetClock(func() time.Time { return now })

	st := e.sched.RunOnce(ctx)
	assert.Equal(t, 1, st.Started)
	assert.Equal(t, 1, st.Placed)

	due, err := e.store.GetRun(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusRunning, due.Status)
	later, err := e.store.GetRun(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusScheduled, later.Status)
}

func TestRunOnce_SweepsRunsWithNothingLeft(t *testing.T) {
	e := newEnv(t)
	e.readyRun(t, "run", 1)
	ctx := context.Background()
	_, err := e.machine.Start(ctx, audit.System, "run")
	require.NoError(t, err)
	e.sched.RunOnce(ctx)

	// the row finishes through a write that does not complete the run
	list, err := e.store.ListRows(ctx, "run", rows.Filter{Status: rows.StatusCalling})
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, _, err = e.store.UpdateRow(ctx, store.RowUpdate{
		RowID: list[0].ID,
		From:  rows.StatusCalling,
		To:    rows.StatusFailed,
		Delta: runs.CounterDelta{Calling: -1, Failed: 1},
	})
	require.NoError(t, err)

	st := e.sched.RunOnce(ctx)
	assert.Equal(t, 1, st.Completed)
}

func TestStart_WakeTriggersTick(t *testing.T) {
	e := newEnv(t)
	e.readyRun(t, "run", 2)
	ctx := context.Background()

	stop := e.sched.Start(ctx)
	defer stop()

	_, err := e.machine.Start(ctx, audit.System, "run")
	require.NoError(t, err)
	e.sched.Wake()

	require.Eventually(t, func() bool {
		e.provider.mu.Lock()
		defer e.provider.mu.Unlock()
		return e.provider.n == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWakeNeverBlocks(t *testing.T) {
	s := New(nil, nil, nil, nil, time.Hour)
	for i := 0; i < 10; i++ {
		s.Wake()
	}
	assert.Len(t, s.wake, 1)
}

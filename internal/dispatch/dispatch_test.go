package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"campaign-runner/internal/aggregator"
	"campaign-runner/internal/audit"
	"campaign-runner/internal/campaigns"
	"campaign-runner/internal/events"
	"campaign-runner/internal/lifecycle"
	"campaign-runner/internal/orgs"
	"campaign-runner/internal/record"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"
	"campaign-runner/internal/store"
	"campaign-runner/internal/telephony"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu    sync.Mutex
	reqs  []telephony.PlaceCallRequest
	errTo map[string]error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) PlaceCall(_ context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if err := p.errTo[req.To]; err != nil {
		return telephony.PlaceCallResult{}, err
	}
	return telephony.PlaceCallResult{ExternalCallID: fmt.Sprintf("call-%d", len(p.reqs)), Status: "registered"}, nil
}

func (p *fakeProvider) requests() []telephony.PlaceCallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]telephony.PlaceCallRequest(nil), p.reqs...)
}

type fixture struct {
	store    *store.MemoryStore
	audit    *audit.MemoryRepo
	machine  *lifecycle.Machine
	provider *fakeProvider
	d        *Dispatcher
}

func phone(i int) string { return fmt.Sprintf("+1555020%04d", i) }

func newFixture(t *testing.T, org orgs.Organization, n int, mutateRun func(*runs.Run)) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:    store.NewMemoryStore(),
		audit:    audit.NewMemoryRepo(),
		provider: &fakeProvider{errTo: map[string]error{}},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := audit.NewService(f.audit)
	broker := events.NewMemoryBroker()
	f.machine = lifecycle.NewMachine(f.store, svc, broker, log)
	agg := aggregator.New(f.store, f.machine, svc, broker, log)
	f.d = New(f.store, agg, f.machine, svc, f.provider, nil, log, Config{RatePerSecond: 1000, Burst: 100})

	org.ID = "org"
	require.NoError(t, f.store.CreateOrganization(ctx, org))
	require.NoError(t, f.store.CreateCampaign(ctx, campaigns.Campaign{ID: "camp", OrganizationID: "org", AgentID: "agent_1"}))
	run := runs.Run{ID: "run", CampaignID: "camp", OrganizationID: "org"}
	if mutateRun != nil {
		mutateRun(&run)
	}
	require.NoError(t, f.store.CreateRun(ctx, run))

	recs := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, record.Record{"phone": record.String(phone(i)), "first_name": record.String(fmt.Sprintf("P%d", i))})
	}
	_, err := f.machine.BuildRowsForRun(ctx, audit.System, "run", recs)
	require.NoError(t, err)
	_, err = f.machine.Start(ctx, audit.System, "run")
	require.NoError(t, err)
	return f
}

func (f *fixture) run(t *testing.T) runs.Run {
	r, err := f.store.GetRun(context.Background(), "run")
	require.NoError(t, err)
	return r
}

func TestDispatchRun_PlacesInSortOrderUntilDrained(t *testing.T) {
	f := newFixture(t, orgs.Organization{Phone: "+15550000000", ConcurrentCallLimit: 10}, 4, func(r *runs.Run) {
		r.CustomPrompt = "Mention the new clinic hours"
	})

	res, err := f.d.DispatchRun(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, StopDrained, res.Stopped)
	assert.Equal(t, 4, res.Placed)

	reqs := f.provider.requests()
	require.Len(t, reqs, 4)
	for i, req := range reqs {
		assert.Equal(t, phone(i), req.To)
		assert.Equal(t, "+15550000000", req.From)
		assert.Equal(t, "agent_1", req.AgentID)
		assert.Equal(t, "Mention the new clinic hours", req.Variables["custom_prompt"])
		assert.Equal(t, fmt.Sprintf("P%d", i), req.Variables["first_name"])
		assert.Equal(t, "run", req.Metadata[telephony.MetadataRunID])
	}

	calling, err := f.store.ListRows(context.Background(), "run", rows.Filter{Status: rows.StatusCalling})
	require.NoError(t, err)
	require.Len(t, calling, 4)
	for _, row := range calling {
		assert.NotEmpty(t, row.RetellCallID, "placed rows carry their call id")
	}
	callsByRun, err := f.store.ListCallsByRun(context.Background(), "run")
	require.NoError(t, err)
	assert.Len(t, callsByRun, 4)

	c := f.run(t).Metadata.Calls
	assert.Equal(t, 0, c.Pending)
	assert.Equal(t, 4, c.Calling)
}

func TestDispatchRun_RespectsOrganizationLimit(t *testing.T) {
	f := newFixture(t, orgs.Organization{Phone: "+15550000000", ConcurrentCallLimit: 2}, 5, nil)

	res, err := f.d.DispatchRun(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, StopAtCapacity, res.Stopped)
	assert.Equal(t, 2, res.Placed)
	assert.Len(t, f.provider.requests(), 2)

	c := f.run(t).Metadata.Calls
	assert.Equal(t, 2, c.Calling)
	assert.Equal(t, 3, c.Pending)
}

func TestDispatchRun_RejectedFailsOnlyTheRow(t *testing.T) {
	f := newFixture(t, orgs.Organization{Phone: "+15550000000", ConcurrentCallLimit: 10}, 3, nil)
	f.provider.errTo[phone(1)] = fmt.Errorf("%w: invalid destination", telephony.ErrRejected)

	res, err := f.d.DispatchRun(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, StopDrained, res.Stopped)
	assert.Equal(t, 2, res.Placed)
	assert.Equal(t, 1, res.Failed)

	r := f.run(t)
	assert.Equal(t, runs.StatusRunning, r.Status)
	assert.Equal(t, 1, r.Metadata.Calls.Failed)
	assert.Equal(t, 2, r.Metadata.Calls.Calling)

	failed, err := f.store.ListRows(context.Background(), "run", rows.Filter{Status: rows.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "invalid destination")
	assert.Empty(t, failed[0].RetellCallID)

	audited := f.audit.OfType(audit.EventTypeDispatchFailed)
	require.Len(t, audited, 1)
	assert.Equal(t, failed[0].ID, audited[0].RowID)
}

func TestDispatchRun_UnauthorizedFailsTheRun(t *testing.T) {
	f := newFixture(t, orgs.Organization{Phone: "+15550000000", ConcurrentCallLimit: 10}, 3, nil)
	f.provider.errTo[phone(0)] = fmt.Errorf("%w: bad api key", telephony.ErrUnauthorized)

	res, err := f.d.DispatchRun(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, StopRunFailed, res.Stopped)
	assert.Len(t, f.provider.requests(), 1, "pass halts after a run-fatal error")

	r := f.run(t)
	assert.Equal(t, runs.StatusFailed, r.Status)
	assert.Contains(t, r.Metadata.Run.Error, "provider")
	assert.Equal(t, 1, r.Metadata.Calls.Failed)
	assert.Equal(t, 2, r.Metadata.Calls.Pending)
}

func TestDispatchRun_MissingOrganizationPhoneFailsTheRun(t *testing.T) {
	f := newFixture(t, orgs.Organization{ConcurrentCallLimit: 10}, 2, nil)

	res, err := f.d.DispatchRun(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, StopRunFailed, res.Stopped)
	assert.Empty(t, f.provider.requests())
	assert.Equal(t, runs.StatusFailed, f.run(t).Status)
}

func TestDispatchRun_OutsideOfficeHoursPlacesNothing(t *testing.T) {
	org := orgs.Organization{
		Phone:       "+15550000000",
		Timezone:    "UTC",
		OfficeHours: orgs.OfficeHours{"monday": {Start: "09:00", End: "17:00"}},
	}
	f := newFixture(t, org, 2, nil)

	// 2026-03-02 is a Monday
	f.d.SetClock(func() time.Time { return time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC) })
	res, err := f.d.DispatchRun(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, StopOutsideHours, res.Stopped)
	assert.Empty(t, f.provider.requests())

	f.d.SetClock(func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) })
	res, err = f.d.DispatchRun(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, StopDrained, res.Stopped)
	assert.Equal(t, 2, res.Placed)
}

func TestDispatchRun_PausedRunClaimsNothing(t *testing.T) {
	f := newFixture(t, orgs.Organization{Phone: "+15550000000", ConcurrentCallLimit: 10}, 3, nil)
	_, err := f.machine.Pause(context.Background(), audit.System, "run")
	require.NoError(t, err)

	res, err := f.d.DispatchRun(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, StopNotRunning, res.Stopped)
	assert.Empty(t, f.provider.requests())
	assert.Equal(t, 3, f.run(t).Metadata.Calls.Pending)
}

func TestDispatchRun_PassLimit(t *testing.T) {
	f := newFixture(t, orgs.Organization{Phone: "+15550000000", ConcurrentCallLimit: 10}, 5, nil)
	f.d.cfg.MaxClaimsPerPass = 2

	res, err := f.d.DispatchRun(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, StopLimit, res.Stopped)
	assert.Equal(t, 2, res.Placed)
}

func TestDispatchRun_ConcurrentPassesNeverDoubleDial(t *testing.T) {
	f := newFixture(t, orgs.Organization{Phone: "+15550000000", ConcurrentCallLimit: 50}, 30, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.d.DispatchRun(context.Background(), "run")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := map[string]int{}
	for _, req := range f.provider.requests() {
		seen[req.Metadata[telephony.MetadataRowID]]++
	}
	assert.Len(t, seen, 30)
	for rowID, n := range seen {
		assert.Equal(t, 1, n, "row %s dialed more than once", rowID)
	}
}

// failingClaims makes ClaimNextRow return err while delegating the rest.
type failingClaims struct {
	*store.MemoryStore
	err error
}

func (s failingClaims) ClaimNextRow(context.Context, string) (rows.Row, error) {
	return rows.Row{}, s.err
}

func TestDispatchRun_StoreFailureFailsTheRun(t *testing.T) {
	f := newFixture(t, orgs.Organization{Phone: "+15550000000", ConcurrentCallLimit: 10}, 2, nil)
	f.d.store = failingClaims{MemoryStore: f.store, err: errors.New("connection reset by peer")}

	res, err := f.d.DispatchRun(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, StopRunFailed, res.Stopped)
	assert.Empty(t, f.provider.requests())

	r := f.run(t)
	assert.Equal(t, runs.StatusFailed, r.Status)
	assert.Equal(t, "store: connection reset by peer", r.Metadata.Run.Error)
}

func TestDispatchRun_TransientStoreErrorsKeepTheRunRunning(t *testing.T) {
	for name, cause := range map[string]error{
		"deadlock": fmt.Errorf("claim: %w", &pgconn.PgError{Code: "40P01"}),
		"timeout":  fmt.Errorf("claim: %w", context.DeadlineExceeded),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, orgs.Organization{Phone: "+15550000000", ConcurrentCallLimit: 10}, 2, nil)
			f.d.store = failingClaims{MemoryStore: f.store, err: cause}

			_, err := f.d.DispatchRun(context.Background(), "run")
			require.Error(t, err)
			r := f.run(t)
			assert.Equal(t, runs.StatusRunning, r.Status)
			assert.Empty(t, r.Metadata.Run.Error)
		})
	}
}

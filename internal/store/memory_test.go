package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"campaign-runner/internal/calls"
	"campaign-runner/internal/campaigns"
	"campaign-runner/internal/orgs"
	"campaign-runner/internal/record"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedRun creates an org, a campaign and a running run with n pending rows.
func seedRun(t *testing.T, s Store, orgID, runID string, limit, n int) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetOrganization(ctx, orgID); errors.Is(err, ErrNotFound) {
		require.NoError(t, s.CreateOrganization(ctx, orgs.Organization{ID: orgID, Name: orgID, ConcurrentCallLimit: limit}))
		require.NoError(t, s.CreateCampaign(ctx, campaigns.Campaign{ID: "camp-" + orgID, OrganizationID: orgID, AgentID: "agent"}))
	}
	require.NoError(t, s.CreateRun(ctx, runs.Run{
		ID:             runID,
		CampaignID:     "camp-" + orgID,
		OrganizationID: orgID,
		Name:           runID,
		Status:         runs.StatusRunning,
		Metadata: runs.Metadata{
			Rows:  runs.RowCounts{Total: n},
			Calls: runs.CallCounts{Total: n, Pending: n},
		},
	}))
	rs := make([]rows.Row, 0, n)
	for i := 0; i < n; i++ {
		rs = append(rs, rows.Row{
			ID:             fmt.Sprintf("%s-row-%d", runID, i),
			RunID:          runID,
			OrganizationID: orgID,
			Variables:      record.Record{"phone": record.String(fmt.Sprintf("+1555000%04d", i))},
			Status:         rows.StatusPending,
			SortIndex:      n - i, // reverse insertion order
		})
	}
	require.NoError(t, s.InsertRows(ctx, rs))
}

func TestClaimNextRow_FollowsSortIndex(t *testing.T) {
	s := NewMemoryStore()
	seedRun(t, s, "org", "run", 10, 3)
	ctx := context.Background()

	var got []int
	for {
		row, err := s.ClaimNextRow(ctx, "run")
		if errors.Is(err, ErrNoPendingRows) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, rows.StatusCalling, row.Status)
		got = append(got, row.SortIndex)
	}
	assert.Equal(t, []int{1, 2, 3}, got)

	r, err := s.GetRun(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Metadata.Calls.Pending)
	assert.Equal(t, 3, r.Metadata.Calls.Calling)
	assert.True(t, r.Metadata.Calls.Partitioned(r.Metadata.Rows))
}

func TestClaimNextRow_OrganizationLimitSpansRuns(t *testing.T) {
	s := NewMemoryStore()
	seedRun(t, s, "org", "run-a", 3, 5)
	seedRun(t, s, "org", "run-b", 3, 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		runID := "run-a"
		if i%2 == 1 {
			runID = "run-b"
		}
		go func(runID string) {
			defer wg.Done()
			if _, err := s.ClaimNextRow(ctx, runID); err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}(runID)
	}
	wg.Wait()
	assert.Equal(t, 3, claimed)

	_, err := s.ClaimNextRow(ctx, "run-a")
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestClaimNextRow_RequiresRunningRun(t *testing.T) {
	s := NewMemoryStore()
	seedRun(t, s, "org", "run", 5, 2)
	ctx := context.Background()

	_, err := s.UpdateRunStatus(ctx, "run", []runs.Status{runs.StatusRunning}, runs.StatusPaused, nil)
	require.NoError(t, err)

	_, err = s.ClaimNextRow(ctx, "run")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUpdateRow_CompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	seedRun(t, s, "org", "run", 5, 1)
	ctx := context.Background()

	row, err := s.ClaimNextRow(ctx, "run")
	require.NoError(t, err)

	done := rows.StatusCompleted
	_, r, err := s.UpdateRow(ctx, RowUpdate{
		RowID:    row.ID,
		From:     rows.StatusCalling,
		To:       done,
		Analysis: record.Record{"booked": record.Bool(true)},
		Delta:    runs.CounterDelta{Calling: -1, Completed: 1, Connected: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Metadata.Calls.Completed)

	// A second application of the same transition loses the race.
	current, _, err := s.UpdateRow(ctx, RowUpdate{
		RowID: row.ID,
		From:  rows.StatusCalling,
		To:    rows.StatusFailed,
		Delta: runs.CounterDelta{Calling: -1, Failed: 1},
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, rows.StatusCompleted, current.Status)

	r, err = s.GetRun(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Metadata.Calls.Failed)
	assert.True(t, r.Metadata.Calls.Partitioned(r.Metadata.Rows))
}

func TestUpdateRow_RejectsIllegalTransition(t *testing.T) {
	s := NewMemoryStore()
	seedRun(t, s, "org", "run", 5, 1)

	_, _, err := s.UpdateRow(context.Background(), RowUpdate{
		RowID: "run-row-0",
		From:  rows.StatusPending,
		To:    rows.StatusCompleted,
	})
	assert.ErrorIs(t, err, rows.ErrInvalidTransition)
}

func TestAttachCall(t *testing.T) {
	s := NewMemoryStore()
	seedRun(t, s, "org", "run", 5, 1)
	ctx := context.Background()

	err := s.AttachCall(ctx, "run-row-0", calls.Call{ExternalCallID: "call-1", OrganizationID: "org"})
	assert.ErrorIs(t, err, ErrConflict, "pending rows cannot carry a call id")

	row, err := s.ClaimNextRow(ctx, "run")
	require.NoError(t, err)
	require.NoError(t, s.AttachCall(ctx, row.ID, calls.Call{
		ExternalCallID: "call-1",
		OrganizationID: "org",
		RunID:          "run",
		RowID:          row.ID,
		Direction:      calls.DirectionOutbound,
		Status:         calls.StatusPending,
	}))

	found, err := s.FindRowByCallID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, row.ID, found.ID)

	err = s.AttachCall(ctx, row.ID, calls.Call{ExternalCallID: "call-2", OrganizationID: "org"})
	assert.ErrorIs(t, err, ErrConflict)

	c, err := s.GetCallByExternalID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusPending, c.Status)
}

func TestRebuildCounters_RepairsDrift(t *testing.T) {
	s := NewMemoryStore()
	seedRun(t, s, "org", "run", 5, 4)
	ctx := context.Background()

	row, err := s.ClaimNextRow(ctx, "run")
	require.NoError(t, err)
	_, _, err = s.UpdateRow(ctx, RowUpdate{
		RowID:    row.ID,
		From:     rows.StatusCalling,
		To:       rows.StatusCompleted,
		Analysis: record.Record{rows.VoicemailKey: record.Bool(true)},
		Delta:    runs.CounterDelta{Calling: -1, Completed: 1, Voicemail: 1},
	})
	require.NoError(t, err)

	// Corrupt the cached counters the way a lost update would.
	_, err = s.UpdateRunStatus(ctx, "run", nil, runs.StatusPaused, func(r *runs.Run) {
		r.Metadata.Calls.Pending = 99
	})
	require.NoError(t, err)

	live, err := s.CountRows(ctx, "run", "booked")
	require.NoError(t, err)
	assert.Equal(t, 3, live.Calls.Pending)

	r, err := s.RebuildCounters(ctx, "run", "booked")
	require.NoError(t, err)
	assert.Equal(t, live.Calls, r.Metadata.Calls)
	assert.Equal(t, 1, r.Metadata.Calls.Voicemail)
	assert.Equal(t, 0, r.Metadata.Calls.Connected)
	assert.True(t, r.Metadata.Calls.Partitioned(r.Metadata.Rows))
}

func TestListRows_FilterAndPaging(t *testing.T) {
	s := NewMemoryStore()
	seedRun(t, s, "org", "run", 5, 5)
	ctx := context.Background()

	page, err := s.ListRows(ctx, "run", rows.Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 2, page[0].SortIndex)
	assert.Equal(t, 3, page[1].SortIndex)

	calling, err := s.ListRows(ctx, "run", rows.Filter{Status: rows.StatusCalling})
	require.NoError(t, err)
	assert.Empty(t, calling)
}

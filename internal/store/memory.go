package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"campaign-runner/internal/calls"
	"campaign-runner/internal/campaigns"
	"campaign-runner/internal/orgs"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and local development.
// A single mutex stands in for the row and organization locks the Postgres
// store takes, so every method is atomic.
type MemoryStore struct {
	mu sync.Mutex

	orgs      map[string]orgs.Organization
	campaigns map[string]campaigns.Campaign
	runs      map[string]runs.Run
	rows      map[string]rows.Row
	calls     map[string]calls.Call // key: external call id

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:      map[string]orgs.Organization{},
		campaigns: map[string]campaigns.Campaign{},
		runs:      map[string]runs.Run{},
		rows:      map[string]rows.Row{},
		calls:     map[string]calls.Call{},
		clock:     time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *MemoryStore) now() time.Time { return s.clock().UTC() }

func (s *MemoryStore) CreateOrganization(ctx context.Context, o orgs.Organization) error {
	if o.ID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[o.ID]; ok {
		return ErrConflict
	}
	if o.ConcurrentCallLimit <= 0 {
		o.ConcurrentCallLimit = orgs.DefaultConcurrentCallLimit
	}
	if o.Timezone == "" {
		o.Timezone = orgs.DefaultTimezone
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	o.UpdatedAt = o.CreatedAt
	s.orgs[o.ID] = o
	return nil
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id string) (orgs.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return orgs.Organization{}, ErrNotFound
	}
	return o, nil
}

func (s *MemoryStore) CreateCampaign(ctx context.Context, c campaigns.Campaign) error {
	if c.ID == "" || c.OrganizationID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[c.OrganizationID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.campaigns[c.ID]; ok {
		return ErrConflict
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = c.CreatedAt
	s.campaigns[c.ID] = c
	return nil
}

func (s *MemoryStore) GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaigns.Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, r runs.Run) error {
	if r.ID == "" || r.OrganizationID == "" || r.CampaignID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[r.CampaignID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.runs[r.ID]; ok {
		return ErrConflict
	}
	if r.Status == "" {
		r.Status = runs.StatusDraft
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.UpdatedAt = r.CreatedAt
	s.runs[r.ID] = r
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return runs.Run{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, f RunFilter) ([]runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runs.Run, 0)
	for _, r := range s.runs {
		if len(f.Statuses) > 0 && !statusIn(r.Status, f.Statuses) {
			continue
		}
		if f.OrganizationID != "" && r.OrganizationID != f.OrganizationID {
			continue
		}
		if f.ScheduledBefore != nil {
			if r.ScheduledAt == nil || r.ScheduledAt.After(*f.ScheduledBefore) {
				continue
			}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, id string, from []runs.Status, to runs.Status, mutate func(*runs.Run)) (runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return runs.Run{}, ErrNotFound
	}
	if !statusIn(r.Status, transitionSources(from, to)) || !runs.CanTransition(r.Status, to) {
		return r, fmt.Errorf("%w: run %s is %s", ErrConflict, id, r.Status)
	}
	if mutate != nil {
		mutate(&r)
	}
	r.Status = to
	r.Version++
	r.UpdatedAt = s.now()
	s.runs[id] = r
	return r, nil
}

func (s *MemoryStore) InsertRows(ctx context.Context, rs []rows.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rs {
		if row.ID == "" || row.RunID == "" || row.OrganizationID == "" || !row.Status.Valid() {
			return ErrInvalidArgument
		}
		if _, ok := s.runs[row.RunID]; !ok {
			return ErrNotFound
		}
		if _, ok := s.rows[row.ID]; ok {
			return ErrConflict
		}
	}
	now := s.now()
	for _, row := range rs {
		row.Variables = row.Variables.Clone()
		row.CreatedAt = now
		row.UpdatedAt = now
		s.rows[row.ID] = row
	}
	return nil
}

func (s *MemoryStore) GetRow(ctx context.Context, id string) (rows.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return rows.Row{}, ErrNotFound
	}
	return row, nil
}

func (s *MemoryStore) ListRows(ctx context.Context, runID string, f rows.Filter) ([]rows.Row, error) {
	f = f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.runRowsLocked(runID)
	out := make([]rows.Row, 0)
	for _, row := range all {
		if f.Status != "" && row.Status != f.Status {
			continue
		}
		out = append(out, row)
	}
	if f.Offset >= len(out) {
		return []rows.Row{}, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) FindRowByCallID(ctx context.Context, externalCallID string) (rows.Row, error) {
	if externalCallID == "" {
		return rows.Row{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.RetellCallID == externalCallID {
			return row, nil
		}
	}
	return rows.Row{}, ErrNotFound
}

func (s *MemoryStore) ClaimNextRow(ctx context.Context, runID string) (rows.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return rows.Row{}, ErrNotFound
	}
	o, ok := s.orgs[r.OrganizationID]
	if !ok {
		return rows.Row{}, ErrNotFound
	}
	if r.Status != runs.StatusRunning {
		return rows.Row{}, fmt.Errorf("%w: run %s is %s", ErrConflict, runID, r.Status)
	}

	calling := 0
	for _, row := range s.rows {
		if row.OrganizationID == o.ID && row.Status == rows.StatusCalling {
			calling++
		}
	}
	if calling >= o.Limit() {
		return rows.Row{}, ErrAtCapacity
	}

	for _, row := range s.runRowsLocked(runID) {
		if row.Status != rows.StatusPending || row.Invalid {
			continue
		}
		row.Status = rows.StatusCalling
		row.UpdatedAt = s.now()
		s.rows[row.ID] = row

		r.Metadata.Calls = runs.CounterDelta{Pending: -1, Calling: 1}.Apply(r.Metadata.Calls)
		r.Version++
		r.UpdatedAt = row.UpdatedAt
		s.runs[runID] = r
		return row, nil
	}
	return rows.Row{}, ErrNoPendingRows
}

func (s *MemoryStore) UpdateRow(ctx context.Context, u RowUpdate) (rows.Row, runs.Run, error) {
	if err := u.validate(); err != nil {
		return rows.Row{}, runs.Run{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[u.RowID]
	if !ok {
		return rows.Row{}, runs.Run{}, ErrNotFound
	}
	r, ok := s.runs[row.RunID]
	if !ok {
		return rows.Row{}, runs.Run{}, ErrNotFound
	}
	if row.Status != u.From {
		return row, r, fmt.Errorf("%w: row %s is %s, expected %s", ErrConflict, row.ID, row.Status, u.From)
	}
	if row.Invalid && !u.Delta.IsZero() {
		return row, r, fmt.Errorf("%w: row %s is invalid", ErrConflict, row.ID)
	}

	now := s.now()
	row.Status = u.To
	if u.Error != nil {
		row.Error = *u.Error
	}
	if len(u.Analysis) > 0 {
		row.Analysis = row.Analysis.Merge(u.Analysis)
	}
	if len(u.PostCallData) > 0 {
		row.PostCallData = row.PostCallData.Merge(u.PostCallData)
	}
	if u.CallID != "" && row.RetellCallID == "" {
		row.RetellCallID = u.CallID
	}
	row.UpdatedAt = now
	s.rows[row.ID] = row

	if !u.Delta.IsZero() {
		r.Metadata.Calls = u.Delta.Apply(r.Metadata.Calls)
		r.Version++
		r.UpdatedAt = now
		s.runs[r.ID] = r
	}
	return row, r, nil
}

func (s *MemoryStore) AttachCall(ctx context.Context, rowID string, c calls.Call) error {
	if c.ExternalCallID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[rowID]
	if !ok {
		return ErrNotFound
	}
	if row.Status == rows.StatusPending || row.Status == rows.StatusSkipped {
		return fmt.Errorf("%w: row %s is %s", ErrConflict, rowID, row.Status)
	}
	if row.RetellCallID != "" && row.RetellCallID != c.ExternalCallID {
		return fmt.Errorf("%w: row %s already has call %s", ErrConflict, rowID, row.RetellCallID)
	}
	now := s.now()
	if row.RetellCallID == "" {
		row.RetellCallID = c.ExternalCallID
		row.UpdatedAt = now
		s.rows[rowID] = row
	}
	s.insertCallLocked(c, now)
	return nil
}

func (s *MemoryStore) CountActiveRows(ctx context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if row.RunID != runID || row.Invalid {
			continue
		}
		if row.Status == rows.StatusPending || row.Status == rows.StatusCalling {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountRows(ctx context.Context, runID, kpiKey string) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return Counts{}, ErrNotFound
	}
	return s.countLocked(runID, kpiKey), nil
}

func (s *MemoryStore) RebuildCounters(ctx context.Context, runID, kpiKey string) (runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return runs.Run{}, ErrNotFound
	}
	c := s.countLocked(runID, kpiKey)
	r.Metadata.Rows = c.Rows
	r.Metadata.Calls = c.Calls
	r.Version++
	r.UpdatedAt = s.now()
	s.runs[runID] = r
	return r, nil
}

func (s *MemoryStore) countLocked(runID, kpiKey string) Counts {
	var c Counts
	for _, row := range s.rows {
		if row.RunID != runID {
			continue
		}
		c.Rows.Total++
		if row.Invalid {
			c.Rows.Invalid++
			continue
		}
		c.Calls.Total++
		switch row.Status {
		case rows.StatusPending:
			c.Calls.Pending++
		case rows.StatusCalling:
			c.Calls.Calling++
		case rows.StatusCompleted:
			c.Calls.Completed++
			if row.Analysis.Truthy(rows.VoicemailKey) {
				c.Calls.Voicemail++
			} else {
				c.Calls.Connected++
			}
			if kpiKey != "" && row.Analysis.Truthy(kpiKey) {
				c.Calls.Converted++
			}
		case rows.StatusFailed:
			c.Calls.Failed++
		case rows.StatusSkipped:
			c.Calls.Skipped++
		}
	}
	return c
}

func (s *MemoryStore) InsertCall(ctx context.Context, c calls.Call) error {
	if c.ExternalCallID == "" || c.OrganizationID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCallLocked(c, s.now())
	return nil
}

// insertCallLocked keeps the first record for an external call id.
func (s *MemoryStore) insertCallLocked(c calls.Call, now time.Time) {
	if _, ok := s.calls[c.ExternalCallID]; ok {
		return
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.calls[c.ExternalCallID] = c
}

func (s *MemoryStore) GetCallByExternalID(ctx context.Context, externalCallID string) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[externalCallID]
	if !ok {
		return calls.Call{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) UpdateCallOutcome(ctx context.Context, externalCallID string, o calls.Outcome) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[externalCallID]
	if !ok {
		return calls.Call{}, ErrNotFound
	}
	c = c.Apply(o, s.now())
	s.calls[externalCallID] = c
	return c, nil
}

func (s *MemoryStore) ListCallsByRun(ctx context.Context, runID string) ([]calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range s.calls {
		if c.RunID == runID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalCallID < out[j].ExternalCallID })
	return out, nil
}

func (s *MemoryStore) runRowsLocked(runID string) []rows.Row {
	out := make([]rows.Row, 0)
	for _, row := range s.rows {
		if row.RunID == runID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortIndex == out[j].SortIndex {
			return out[i].ID < out[j].ID
		}
		return out[i].SortIndex < out[j].SortIndex
	})
	return out
}

var _ Store = (*MemoryStore)(nil)

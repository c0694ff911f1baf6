package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"campaign-runner/internal/campaigns"
	"campaign-runner/internal/orgs"
	"campaign-runner/internal/runs"
	"campaign-runner/pkg/utils"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements Store on database/sql with the pgx stdlib driver.
//
// Locking order inside a transaction is organization -> run -> row. Claims
// skip rows locked by other transactions so they never wait on a row lock.
type PostgresStore struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// Migrate applies the embedded schema files in name order. Every statement is
// idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) now() time.Time { return s.clock().UTC() }

/* ===================== ORGANIZATIONS ===================== */

func (s *PostgresStore) CreateOrganization(ctx context.Context, o orgs.Organization) error {
	if o.ID == "" {
		return ErrInvalidArgument
	}
	if o.ConcurrentCallLimit <= 0 {
		o.ConcurrentCallLimit = orgs.DefaultConcurrentCallLimit
	}
	if o.Timezone == "" {
		o.Timezone = orgs.DefaultTimezone
	}
	hours, err := marshalOfficeHours(o.OfficeHours)
	if err != nil {
		return err
	}
	now := s.now()
	const q = `
INSERT INTO organizations (id, name, phone, concurrent_call_limit, timezone, office_hours, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
`
	_, err = s.db.ExecContext(ctx, q, o.ID, o.Name, nullString(o.Phone), o.ConcurrentCallLimit, o.Timezone, hours, now)
	return mapUniqueViolation(err)
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (orgs.Organization, error) {
	const q = `
SELECT id, name, phone, concurrent_call_limit, timezone, office_hours, created_at, updated_at
FROM organizations
WHERE id = $1
`
	var (
		o     orgs.Organization
		phone sql.NullString
		hours []byte
	)
	if err := s.db.QueryRowContext(ctx, q, id).Scan(
		&o.ID,
		&o.Name,
		&phone,
		&o.ConcurrentCallLimit,
		&o.Timezone,
		&hours,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orgs.Organization{}, ErrNotFound
		}
		return orgs.Organization{}, err
	}
	o.Phone = phone.String
	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &o.OfficeHours); err != nil {
			return orgs.Organization{}, fmt.Errorf("organization %s office_hours: %w", id, err)
		}
	}
	return o, nil
}

/* ===================== CAMPAIGNS ===================== */

func (s *PostgresStore) CreateCampaign(ctx context.Context, c campaigns.Campaign) error {
	if c.ID == "" || c.OrganizationID == "" {
		return ErrInvalidArgument
	}
	now := s.now()
	const q = `
INSERT INTO campaigns (id, organization_id, name, type, agent_id, base_prompt, main_kpi_key, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
`
	_, err := s.db.ExecContext(ctx, q,
		c.ID,
		c.OrganizationID,
		c.Name,
		nullString(c.Type),
		c.AgentID,
		nullString(c.BasePrompt),
		nullString(c.MainKPIKey),
		now,
	)
	return mapUniqueViolation(err)
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error) {
	const q = `
SELECT id, organization_id, name, type, agent_id, base_prompt, main_kpi_key, created_at, updated_at
FROM campaigns
WHERE id = $1
`
	var (
		c                   campaigns.Campaign
		typ, prompt, kpiKey sql.NullString
	)
	if err := s.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID,
		&c.OrganizationID,
		&c.Name,
		&typ,
		&c.AgentID,
		&prompt,
		&kpiKey,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return campaigns.Campaign{}, ErrNotFound
		}
		return campaigns.Campaign{}, err
	}
	c.Type = typ.String
	c.BasePrompt = prompt.String
	c.MainKPIKey = kpiKey.String
	return c, nil
}

/* ===================== RUNS ===================== */

const runColumns = `
id, campaign_id, organization_id, name, status, scheduled_at, custom_prompt, raw_file_url, processed_file_url,
rows_total, rows_invalid,
calls_total, calls_pending, calls_calling, calls_completed, calls_failed, calls_skipped,
calls_voicemail, calls_connected, calls_converted,
start_time, end_time, last_paused_at, scheduled_time, duration_seconds, error,
version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (runs.Run, error) {
	var (
		r                                          runs.Run
		scheduledAt, start, end, paused, schedTime sql.NullTime
		prompt, rawURL, processedURL, runErr       sql.NullString
	)
	m := &r.Metadata
	if err := sc.Scan(
		&r.ID,
		&r.CampaignID,
		&r.OrganizationID,
		&r.Name,
		&r.Status,
		&scheduledAt,
		&prompt,
		&rawURL,
		&processedURL,
		&m.Rows.Total,
		&m.Rows.Invalid,
		&m.Calls.Total,
		&m.Calls.Pending,
		&m.Calls.Calling,
		&m.Calls.Completed,
		&m.Calls.Failed,
		&m.Calls.Skipped,
		&m.Calls.Voicemail,
		&m.Calls.Connected,
		&m.Calls.Converted,
		&start,
		&end,
		&paused,
		&schedTime,
		&m.Run.DurationSeconds,
		&runErr,
		&r.Version,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return runs.Run{}, ErrNotFound
		}
		return runs.Run{}, err
	}
	r.ScheduledAt = timePtr(scheduledAt)
	r.CustomPrompt = prompt.String
	r.RawFileURL = rawURL.String
	r.ProcessedFileURL = processedURL.String
	m.Run.StartTime = timePtr(start)
	m.Run.EndTime = timePtr(end)
	m.Run.LastPausedAt = timePtr(paused)
	m.Run.ScheduledTime = timePtr(schedTime)
	m.Run.Error = runErr.String
	return r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, r runs.Run) error {
	if r.ID == "" || r.OrganizationID == "" || r.CampaignID == "" {
		return ErrInvalidArgument
	}
	if r.Status == "" {
		r.Status = runs.StatusDraft
	}
	now := s.now()
	const q = `
INSERT INTO runs (id, campaign_id, organization_id, name, status, scheduled_at, custom_prompt,
                  raw_file_url, processed_file_url, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
`
	_, err := s.db.ExecContext(ctx, q,
		r.ID,
		r.CampaignID,
		r.OrganizationID,
		r.Name,
		r.Status,
		r.ScheduledAt,
		nullString(r.CustomPrompt),
		nullString(r.RawFileURL),
		nullString(r.ProcessedFileURL),
		now,
	)
	return mapUniqueViolation(err)
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (runs.Run, error) {
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
}

func (s *PostgresStore) ListRuns(ctx context.Context, f RunFilter) ([]runs.Run, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.OrganizationID != "" {
		args = append(args, f.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if f.ScheduledBefore != nil {
		args = append(args, *f.ScheduledBefore)
		where = append(where, fmt.Sprintf("scheduled_at IS NOT NULL AND scheduled_at <= $%d", len(args)))
	}
	q := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rs, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	out := make([]runs.Run, 0)
	for rs.Next() {
		r, err := scanRun(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rs.Err()
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id string, from []runs.Status, to runs.Status, mutate func(*runs.Run)) (runs.Run, error) {
	var out runs.Run
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		r, err := lockRun(ctx, tx, id)
		if err != nil {
			return err
		}
		if !statusIn(r.Status, transitionSources(from, to)) || !runs.CanTransition(r.Status, to) {
			out = r
			return fmt.Errorf("%w: run %s is %s", ErrConflict, id, r.Status)
		}
		if mutate != nil {
			mutate(&r)
		}
		r.Status = to
		r.UpdatedAt = s.now()
		out, err = writeRun(ctx, tx, r)
		return err
	})
	return out, err
}

func lockRun(ctx context.Context, tx *sql.Tx, id string) (runs.Run, error) {
	// Lock the run row; counter updates and status changes serialize on it.
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, id))
}

// writeRun persists every mutable column of a locked run and bumps its version.
func writeRun(ctx context.Context, tx *sql.Tx, r runs.Run) (runs.Run, error) {
	m := r.Metadata
	const q = `
UPDATE runs SET
  status = $2, scheduled_at = $3,
  rows_total = $4, rows_invalid = $5,
  calls_total = $6, calls_pending = $7, calls_calling = $8, calls_completed = $9,
  calls_failed = $10, calls_skipped = $11, calls_voicemail = $12, calls_connected = $13, calls_converted = $14,
  start_time = $15, end_time = $16, last_paused_at = $17, scheduled_time = $18,
  duration_seconds = $19, error = $20,
  version = version + 1, updated_at = $21
WHERE id = $1
RETURNING ` + runColumns
	return scanRun(tx.QueryRowContext(ctx, q,
		r.ID,
		r.Status,
		r.ScheduledAt,
		m.Rows.Total,
		m.Rows.Invalid,
		m.Calls.Total,
		m.Calls.Pending,
		m.Calls.Calling,
		m.Calls.Completed,
		m.Calls.Failed,
		m.Calls.Skipped,
		m.Calls.Voicemail,
		m.Calls.Connected,
		m.Calls.Converted,
		m.Run.StartTime,
		m.Run.EndTime,
		m.Run.LastPausedAt,
		m.Run.ScheduledTime,
		m.Run.DurationSeconds,
		nullString(m.Run.Error),
		r.UpdatedAt,
	))
}

// applyRunDelta increments the counters in place so concurrent row updates
// never overwrite each other.
func applyRunDelta(ctx context.Context, tx *sql.Tx, runID string, d runs.CounterDelta, now time.Time) (runs.Run, error) {
	const q = `
UPDATE runs SET
  calls_pending   = calls_pending + $2,
  calls_calling   = calls_calling + $3,
  calls_completed = calls_completed + $4,
  calls_failed    = calls_failed + $5,
  calls_skipped   = calls_skipped + $6,
  calls_voicemail = calls_voicemail + $7,
  calls_connected = calls_connected + $8,
  calls_converted = calls_converted + $9,
  version = version + 1,
  updated_at = $10
WHERE id = $1
RETURNING ` + runColumns
	return scanRun(tx.QueryRowContext(ctx, q,
		runID,
		d.Pending,
		d.Calling,
		d.Completed,
		d.Failed,
		d.Skipped,
		d.Voicemail,
		d.Connected,
		d.Converted,
		now,
	))
}

/* ===================== HELPERS ===================== */

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func marshalOfficeHours(h orgs.OfficeHours) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(h)
}

// mapUniqueViolation turns a duplicate key error into ErrConflict.
func mapUniqueViolation(err error) error {
	if constraint, ok := utils.UniqueViolation(err); ok {
		return fmt.Errorf("%w: %s", ErrConflict, constraint)
	}
	return err
}

var _ Store = (*PostgresStore)(nil)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"campaign-runner/internal/calls"
	"campaign-runner/internal/record"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"
	"campaign-runner/pkg/utils"

	"github.com/google/uuid"
)

/* ===================== ROWS ===================== */

// txAttempts bounds retries of row-locking transactions that hit a deadlock.
const txAttempts = 3

const rowColumns = `
id, run_id, organization_id, patient_id, variables, post_call_data, analysis,
status, invalid, error, retell_call_id, sort_index, created_at, updated_at`

func scanRow(sc scanner) (rows.Row, error) {
	var (
		r                         rows.Row
		patientID, rowErr, callID sql.NullString
	)
	if err := sc.Scan(
		&r.ID,
		&r.RunID,
		&r.OrganizationID,
		&patientID,
		&r.Variables,
		&r.PostCallData,
		&r.Analysis,
		&r.Status,
		&r.Invalid,
		&rowErr,
		&callID,
		&r.SortIndex,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rows.Row{}, ErrNotFound
		}
		return rows.Row{}, err
	}
	r.PatientID = patientID.String
	r.Error = rowErr.String
	r.RetellCallID = callID.String
	return r, nil
}

func (s *PostgresStore) InsertRows(ctx context.Context, rs []rows.Row) error {
	for _, row := range rs {
		if row.ID == "" || row.RunID == "" || row.OrganizationID == "" || !row.Status.Valid() {
			return ErrInvalidArgument
		}
	}
	now := s.now()
	const q = `
INSERT INTO run_rows (id, run_id, organization_id, patient_id, variables, status, invalid, error, sort_index, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
`
	return utils.WithTxRetry(ctx, s.db, &sql.TxOptions{}, txAttempts, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, row := range rs {
			vars := row.Variables
			if vars == nil {
				vars = record.Record{}
			}
			if _, err := stmt.ExecContext(ctx,
				row.ID,
				row.RunID,
				row.OrganizationID,
				nullString(row.PatientID),
				vars,
				row.Status,
				row.Invalid,
				nullString(row.Error),
				row.SortIndex,
				now,
			); err != nil {
				return mapUniqueViolation(err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetRow(ctx context.Context, id string) (rows.Row, error) {
	return scanRow(s.db.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM run_rows WHERE id = $1`, id))
}

func (s *PostgresStore) ListRows(ctx context.Context, runID string, f rows.Filter) ([]rows.Row, error) {
	f = f.Normalize()
	q := `SELECT ` + rowColumns + ` FROM run_rows WHERE run_id = $1`
	args := []any{runID}
	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, f.Limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY sort_index, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rs, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	out := make([]rows.Row, 0)
	for rs.Next() {
		row, err := scanRow(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

func (s *PostgresStore) FindRowByCallID(ctx context.Context, externalCallID string) (rows.Row, error) {
	if externalCallID == "" {
		return rows.Row{}, ErrNotFound
	}
	return scanRow(s.db.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM run_rows WHERE retell_call_id = $1`, externalCallID))
}

// ClaimNextRow moves the lowest sort_index pending row of a running run to
// calling. The organization row lock serializes claims across all runs of the
// organization, which keeps the calling count at or below its limit.
func (s *PostgresStore) ClaimNextRow(ctx context.Context, runID string) (rows.Row, error) {
	var out rows.Row
	err := utils.WithTxRetry(ctx, s.db, &sql.TxOptions{}, txAttempts, func(ctx context.Context, tx *sql.Tx) error {
		const lockOrg = `
SELECT o.id, o.concurrent_call_limit
FROM organizations o
JOIN runs r ON r.organization_id = o.id
WHERE r.id = $1
FOR UPDATE OF o
`
		var (
			orgID string
			limit int
		)
		if err := tx.QueryRowContext(ctx, lockOrg, runID).Scan(&orgID, &limit); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		var status runs.Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if status != runs.StatusRunning {
			return fmt.Errorf("%w: run %s is %s", ErrConflict, runID, status)
		}

		var calling int
		const countCalling = `SELECT count(*) FROM run_rows WHERE organization_id = $1 AND status = 'calling'`
		if err := tx.QueryRowContext(ctx, countCalling, orgID).Scan(&calling); err != nil {
			return err
		}
		if calling >= limit {
			return ErrAtCapacity
		}

		now := s.now()
		const claim = `
UPDATE run_rows SET status = 'calling', updated_at = $2
WHERE id = (
  SELECT id FROM run_rows
  WHERE run_id = $1 AND status = 'pending' AND NOT invalid
  ORDER BY sort_index, id
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + rowColumns
		row, err := scanRow(tx.QueryRowContext(ctx, claim, runID, now))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrNoPendingRows
			}
			return err
		}
		if _, err := applyRunDelta(ctx, tx, runID, runs.CounterDelta{Pending: -1, Calling: 1}, now); err != nil {
			return err
		}
		out = row
		return nil
	})
	return out, err
}

func (s *PostgresStore) UpdateRow(ctx context.Context, u RowUpdate) (rows.Row, runs.Run, error) {
	if err := u.validate(); err != nil {
		return rows.Row{}, runs.Run{}, err
	}
	var (
		outRow rows.Row
		outRun runs.Run
	)
	err := utils.WithTxRetry(ctx, s.db, &sql.TxOptions{}, txAttempts, func(ctx context.Context, tx *sql.Tx) error {
		row, err := scanRow(tx.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM run_rows WHERE id = $1 FOR UPDATE`, u.RowID))
		if err != nil {
			return err
		}
		outRow = row
		if row.Status != u.From {
			return fmt.Errorf("%w: row %s is %s, expected %s", ErrConflict, row.ID, row.Status, u.From)
		}
		if row.Invalid && !u.Delta.IsZero() {
			return fmt.Errorf("%w: row %s is invalid", ErrConflict, row.ID)
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

		const q = `
UPDATE run_rows SET status = $2, error = $3, analysis = $4, post_call_data = $5, retell_call_id = $6, updated_at = $7
WHERE id = $1
RETURNING ` + rowColumns
		row, err = scanRow(tx.QueryRowContext(ctx, q,
			row.ID,
			row.Status,
			nullString(row.Error),
			row.Analysis,
			row.PostCallData,
			nullString(row.RetellCallID),
			now,
		))
		if err != nil {
			return mapUniqueViolation(err)
		}
		outRow = row

		if u.Delta.IsZero() {
			outRun, err = scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, row.RunID))
			return err
		}
		outRun, err = applyRunDelta(ctx, tx, row.RunID, u.Delta, now)
		return err
	})
	return outRow, outRun, err
}

func (s *PostgresStore) AttachCall(ctx context.Context, rowID string, c calls.Call) error {
	if c.ExternalCallID == "" {
		return ErrInvalidArgument
	}
	return utils.WithTxRetry(ctx, s.db, &sql.TxOptions{}, txAttempts, func(ctx context.Context, tx *sql.Tx) error {
		row, err := scanRow(tx.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM run_rows WHERE id = $1 FOR UPDATE`, rowID))
		if err != nil {
			return err
		}
		if row.Status == rows.StatusPending || row.Status == rows.StatusSkipped {
			return fmt.Errorf("%w: row %s is %s", ErrConflict, rowID, row.Status)
		}
		if row.RetellCallID != "" && row.RetellCallID != c.ExternalCallID {
			return fmt.Errorf("%w: row %s already has call %s", ErrConflict, rowID, row.RetellCallID)
		}
		now := s.now()
		if row.RetellCallID == "" {
			const q = `UPDATE run_rows SET retell_call_id = $2, updated_at = $3 WHERE id = $1 AND retell_call_id IS NULL`
			if _, err := tx.ExecContext(ctx, q, rowID, c.ExternalCallID, now); err != nil {
				return mapUniqueViolation(err)
			}
		}
		return insertCall(ctx, tx, c, now)
	})
}

func (s *PostgresStore) CountActiveRows(ctx context.Context, runID string) (int, error) {
	const q = `
SELECT count(*) FROM run_rows
WHERE run_id = $1 AND NOT invalid AND status IN ('pending','calling')
`
	var n int
	err := s.db.QueryRowContext(ctx, q, runID).Scan(&n)
	return n, err
}

const countRowsSQL = `
SELECT
  count(*),
  count(*) FILTER (WHERE invalid),
  count(*) FILTER (WHERE NOT invalid AND status = 'pending'),
  count(*) FILTER (WHERE NOT invalid AND status = 'calling'),
  count(*) FILTER (WHERE NOT invalid AND status = 'completed'),
  count(*) FILTER (WHERE NOT invalid AND status = 'failed'),
  count(*) FILTER (WHERE NOT invalid AND status = 'skipped'),
  count(*) FILTER (WHERE NOT invalid AND status = 'completed' AND analysis -> 'voicemail' = 'true'::jsonb),
  count(*) FILTER (WHERE NOT invalid AND status = 'completed' AND analysis -> $2::text = 'true'::jsonb)
FROM run_rows
WHERE run_id = $1
`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countRows(ctx context.Context, q queryRower, runID, kpiKey string) (Counts, error) {
	var (
		c         Counts
		voicemail int
	)
	if err := q.QueryRowContext(ctx, countRowsSQL, runID, kpiKey).Scan(
		&c.Rows.Total,
		&c.Rows.Invalid,
		&c.Calls.Pending,
		&c.Calls.Calling,
		&c.Calls.Completed,
		&c.Calls.Failed,
		&c.Calls.Skipped,
		&voicemail,
		&c.Calls.Converted,
	); err != nil {
		return Counts{}, err
	}
	if kpiKey == "" {
		c.Calls.Converted = 0
	}
	c.Calls.Voicemail = voicemail
	c.Calls.Connected = c.Calls.Completed - voicemail
	c.Calls.Total = c.Rows.Total - c.Rows.Invalid
	return c, nil
}

func (s *PostgresStore) CountRows(ctx context.Context, runID, kpiKey string) (Counts, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return Counts{}, err
	}
	return countRows(ctx, s.db, runID, kpiKey)
}

// RebuildCounters re-derives every counter from the rows while holding the
// run lock, so no row update can interleave.
func (s *PostgresStore) RebuildCounters(ctx context.Context, runID, kpiKey string) (runs.Run, error) {
	var out runs.Run
	err := utils.WithTxRetry(ctx, s.db, &sql.TxOptions{}, txAttempts, func(ctx context.Context, tx *sql.Tx) error {
		r, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		c, err := countRows(ctx, tx, runID, kpiKey)
		if err != nil {
			return err
		}
		r.Metadata.Rows = c.Rows
		r.Metadata.Calls = c.Calls
		r.UpdatedAt = s.now()
		out, err = writeRun(ctx, tx, r)
		return err
	})
	return out, err
}

/* ===================== CALLS ===================== */

const callColumns = `
id, organization_id, campaign_id, run_id, row_id, patient_id, direction, status, external_call_id,
from_number, to_number, started_at, ended_at, duration_seconds, transcript, analysis, recording_url,
created_at, updated_at`

func scanCall(sc scanner) (calls.Call, error) {
	var (
		c                                   calls.Call
		campaignID, runID, rowID, patientID sql.NullString
		from, to, transcript, recordingURL  sql.NullString
		startedAt, endedAt                  sql.NullTime
	)
	if err := sc.Scan(
		&c.ID,
		&c.OrganizationID,
		&campaignID,
		&runID,
		&rowID,
		&patientID,
		&c.Direction,
		&c.Status,
		&c.ExternalCallID,
		&from,
		&to,
		&startedAt,
		&endedAt,
		&c.DurationSeconds,
		&transcript,
		&c.Analysis,
		&recordingURL,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Call{}, ErrNotFound
		}
		return calls.Call{}, err
	}
	c.CampaignID = campaignID.String
	c.RunID = runID.String
	c.RowID = rowID.String
	c.PatientID = patientID.String
	c.From = from.String
	c.To = to.String
	c.Transcript = transcript.String
	c.RecordingURL = recordingURL.String
	c.StartedAt = timePtr(startedAt)
	c.EndedAt = timePtr(endedAt)
	return c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertCall keeps the first record for an external call id.
func insertCall(ctx context.Context, ex execer, c calls.Call, now time.Time) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	const q = `
INSERT INTO calls (
  id, organization_id, campaign_id, run_id, row_id, patient_id, direction, status, external_call_id,
  from_number, to_number, started_at, ended_at, duration_seconds, transcript, analysis, recording_url,
  created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
)
ON CONFLICT (external_call_id) DO NOTHING
`
	_, err := ex.ExecContext(ctx, q,
		c.ID,
		c.OrganizationID,
		nullString(c.CampaignID),
		nullString(c.RunID),
		nullString(c.RowID),
		nullString(c.PatientID),
		c.Direction,
		c.Status,
		c.ExternalCallID,
		nullString(c.From),
		nullString(c.To),
		c.StartedAt,
		c.EndedAt,
		c.DurationSeconds,
		nullString(c.Transcript),
		c.Analysis,
		nullString(c.RecordingURL),
		c.CreatedAt,
		now,
	)
	return err
}

func (s *PostgresStore) InsertCall(ctx context.Context, c calls.Call) error {
	if c.ExternalCallID == "" || c.OrganizationID == "" {
		return ErrInvalidArgument
	}
	return insertCall(ctx, s.db, c, s.now())
}

func (s *PostgresStore) GetCallByExternalID(ctx context.Context, externalCallID string) (calls.Call, error) {
	return scanCall(s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE external_call_id = $1`, externalCallID))
}

func (s *PostgresStore) UpdateCallOutcome(ctx context.Context, externalCallID string, o calls.Outcome) (calls.Call, error) {
	var out calls.Call
	err := utils.WithTxRetry(ctx, s.db, &sql.TxOptions{}, txAttempts, func(ctx context.Context, tx *sql.Tx) error {
		c, err := scanCall(tx.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE external_call_id = $1 FOR UPDATE`, externalCallID))
		if err != nil {
			return err
		}
		c = c.Apply(o, s.now())
		const q = `
UPDATE calls SET status = $2, transcript = $3, analysis = $4, recording_url = $5,
                 duration_seconds = $6, started_at = $7, ended_at = $8, updated_at = $9
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, q,
			c.ID,
			c.Status,
			nullString(c.Transcript),
			c.Analysis,
			nullString(c.RecordingURL),
			c.DurationSeconds,
			c.StartedAt,
			c.EndedAt,
			c.UpdatedAt,
		); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (s *PostgresStore) ListCallsByRun(ctx context.Context, runID string) ([]calls.Call, error) {
	rs, err := s.db.QueryContext(ctx, `SELECT `+callColumns+` FROM calls WHERE run_id = $1 ORDER BY external_call_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	out := make([]calls.Call, 0)
	for rs.Next() {
		c, err := scanCall(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rs.Err()
}

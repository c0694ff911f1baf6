package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"campaign-runner/internal/audit"
	"campaign-runner/internal/record"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// rowInput is what a record must provide to become a dialable row.
type rowInput struct {
	Phone string `validate:"required,e164"`
}

// BuildRowsForRun turns ingested records into the rows of a draft run and
// moves it to ready. Records that fail validation are kept as invalid skipped
// rows so the upload stays auditable. A run without a single valid row fails.
func (m *Machine) BuildRowsForRun(ctx context.Context, actor audit.Actor, runID string, records []record.Record) (runs.Run, error) {
	r, err := m.transition(ctx, actor, runID, runs.StatusProcessing, "", nil)
	if err != nil {
		return r, err
	}

	built := make([]rows.Row, 0, len(records))
	invalid := 0
	for i, rec := range records {
		vars := rec.Clone()
		delete(vars, rows.SortIndexKey)
		row := rows.Row{
			ID:             uuid.NewString(),
			RunID:          r.ID,
			OrganizationID: r.OrganizationID,
			PatientID:      rec.FirstString(rows.PatientKeys...),
			Variables:      vars,
			Status:         rows.StatusPending,
			SortIndex:      i,
		}
		idx, msg := sortIndexOf(rec, i)
		row.SortIndex = idx
		if msg == "" {
			msg = m.validateRecord(rec)
		}
		if msg != "" {
			row.Status = rows.StatusSkipped
			row.Invalid = true
			row.Error = msg
			invalid++
		}
		built = append(built, row)
	}

	if len(built) > 0 {
		if err := m.store.InsertRows(ctx, built); err != nil {
			reason := "persist rows: " + err.Error()
			if _, ferr := m.Fail(ctx, actor, runID, reason); ferr != nil {
				m.log.Error("fail run after row insert error", "run_id", runID, "error", ferr)
			}
			return r, fmt.Errorf("insert rows: %w", err)
		}
	}

	valid := len(built) - invalid
	if valid == 0 {
		failed, err := m.Fail(ctx, actor, runID, "no valid rows")
		if err != nil {
			return failed, err
		}
		return failed, ErrNoValidRows
	}

	m.log.Info("rows built", "run_id", runID, "total", len(built), "invalid", invalid)
	return m.transition(ctx, actor, runID, runs.StatusReady, "", func(r *runs.Run) {
		r.Metadata.Rows = runs.RowCounts{Total: len(built), Invalid: invalid}
		r.Metadata.Calls = runs.CallCounts{Total: valid, Pending: valid}
	})
}

// validateRecord returns a human readable reason when rec cannot be dialed.
func (m *Machine) validateRecord(rec record.Record) string {
	in := rowInput{Phone: rows.NormalizePhone(rec.FirstString(rows.PhoneKeys...))}
	err := m.validate.Struct(&in)
	if err == nil {
		return ""
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, "missing phone number")
		case "e164":
			msgs = append(msgs, fmt.Sprintf("invalid phone number %q", fe.Value()))
		default:
			msgs = append(msgs, fe.Field()+" failed "+fe.Tag())
		}
	}
	return strings.Join(msgs, "; ")
}

// sortIndexOf returns the record's explicit sort_index, or pos when the record
// has none. A present but unusable value is reported as a validation message.
func sortIndexOf(rec record.Record, pos int) (int, string) {
	v, ok := rec[rows.SortIndexKey]
	if !ok {
		return pos, ""
	}
	n, isNum := v.AsNumber()
	if s, isStr := v.AsString(); isStr {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		n, isNum = f, err == nil
	}
	if !isNum || n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
		return pos, fmt.Sprintf("invalid sort_index %q", v.Text())
	}
	return int(n), ""
}

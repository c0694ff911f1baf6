package reporting

import (
	"context"
	"errors"
	"fmt"

	"campaign-runner/internal/calls"
	"campaign-runner/internal/campaigns"
	"campaign-runner/internal/runs"
	"campaign-runner/internal/store"
)

var (
	ErrInvalidRequest = errors.New("reporting: invalid request")
	ErrNotFound       = errors.New("reporting: run not found")
)

// Repository abstracts data access for reporting.
//
// Reports read call records and recount rows; they never write.
type Repository interface {
	GetRun(ctx context.Context, id string) (runs.Run, error)
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	ListCallsByRun(ctx context.Context, runID string) ([]calls.Call, error)
	CountRows(ctx context.Context, runID, kpiKey string) (store.Counts, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) RunReport(ctx context.Context, req RunReportRequest) (RunReport, error) {
	if req.OrganizationID == "" || req.RunID == "" {
		return RunReport{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return RunReport{}, errors.New("reporting: repository not configured")
	}

	run, err := s.repo.GetRun(ctx, req.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return RunReport{}, ErrNotFound
	}
	if err != nil {
		return RunReport{}, err
	}
	// another organization's run does not exist for this caller
	if run.OrganizationID != req.OrganizationID {
		return RunReport{}, ErrNotFound
	}

	campaign, err := s.repo.GetCampaign(ctx, run.CampaignID)
	if err != nil {
		return RunReport{}, fmt.Errorf("get campaign: %w", err)
	}
	callRows, err := s.repo.ListCallsByRun(ctx, run.ID)
	if err != nil {
		return RunReport{}, fmt.Errorf("list calls: %w", err)
	}
	live, err := s.repo.CountRows(ctx, run.ID, campaign.MainKPIKey)
	if err != nil {
		return RunReport{}, fmt.Errorf("count rows: %w", err)
	}

	out := RunReport{
		OrganizationID: run.OrganizationID,
		RunID:          run.ID,
		CampaignID:     run.CampaignID,
		Status:         run.Status,
		Version:        run.Version,
		Calls:          Summarize(callRows),
		Counters:       CompareCounters(run.Metadata.Calls, live.Calls),
	}

	// conversions come from the rows, where the KPI field lives
	conv := ConversionMetrics{
		KPIKey:         campaign.MainKPIKey,
		CallsAttempted: len(callRows),
		CallsConnected: live.Calls.Connected,
		Conversions:    live.Calls.Converted,
	}
	if conv.CallsAttempted > 0 {
		conv.ConnectionRate = float64(conv.CallsConnected) / float64(conv.CallsAttempted)
		conv.ConversionRate = float64(conv.Conversions) / float64(conv.CallsAttempted)
	}
	out.Conversion = conv
	return out, nil
}

// Summarize aggregates call records by status.
func Summarize(list []calls.Call) CallsSummary {
	var out CallsSummary
	for _, c := range list {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		if c.RecordingURL != "" {
			out.RecordedCalls++
		}
		switch c.Status {
		case calls.StatusPending:
			out.PendingCalls++
		case calls.StatusInProgress:
			out.InProgressCalls++
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusVoicemail:
			out.VoicemailCalls++
		case calls.StatusNoAnswer:
			out.NoAnswerCalls++
		case calls.StatusFailed:
			out.FailedCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	return out
}

// CompareCounters lists the counters where cached and live disagree.
func CompareCounters(cached, live runs.CallCounts) Drift {
	d := Drift{Cached: cached, Live: live, Fields: []string{}}
	pairs := []struct {
		name string
		a, b int
	}{
		{"total", cached.Total, live.Total},
		{"pending", cached.Pending, live.Pending},
		{"calling", cached.Calling, live.Calling},
		{"completed", cached.Completed, live.Completed},
		{"failed", cached.Failed, live.Failed},
		{"skipped", cached.Skipped, live.Skipped},
		{"voicemail", cached.Voicemail, live.Voicemail},
		{"connected", cached.Connected, live.Connected},
		{"converted", cached.Converted, live.Converted},
	}
	for _, p := range pairs {
		if p.a != p.b {
			d.Fields = append(d.Fields, p.name)
		}
	}
	return d
}

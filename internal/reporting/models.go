package reporting

import "campaign-runner/internal/runs"

// RunReportRequest asks for the call report of one run.
// Organization isolation: OrganizationID is required.
type RunReportRequest struct {
	OrganizationID string `json:"organization_id"`
	RunID          string `json:"run_id"`
}

type CallsSummary struct {
	TotalCalls      int `json:"total_calls"`
	PendingCalls    int `json:"pending_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	CompletedCalls  int `json:"completed_calls"`
	VoicemailCalls  int `json:"voicemail_calls"`
	NoAnswerCalls   int `json:"no_answer_calls"`
	FailedCalls     int `json:"failed_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	RecordedCalls int `json:"recorded_calls"`
}

type ConversionMetrics struct {
	KPIKey string `json:"kpi_key,omitempty"`

	CallsAttempted int `json:"calls_attempted"`
	CallsConnected int `json:"calls_connected"`
	Conversions    int `json:"conversions"`

	ConnectionRate float64 `json:"connection_rate"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Drift compares the counters cached on the run with a fresh recount.
type Drift struct {
	Cached runs.CallCounts `json:"cached"`
	Live   runs.CallCounts `json:"live"`
	// Fields lists the counters that disagree, empty when in sync.
	Fields []string `json:"fields"`
}

func (d Drift) InSync() bool { return len(d.Fields) == 0 }

type RunReport struct {
	OrganizationID string            `json:"organization_id"`
	RunID          string            `json:"run_id"`
	CampaignID     string            `json:"campaign_id"`
	Status         runs.Status       `json:"status"`
	Version        int64             `json:"version"`
	Calls          CallsSummary      `json:"calls"`
	Conversion     ConversionMetrics `json:"conversion"`
	Counters       Drift             `json:"counters"`
}

package runs

import "time"

// Run is one execution of a campaign over an uploaded list of rows.
//
// Invariants:
//   - organization_id is required on every run.
//   - Once a run is ready or later:
//     pending + calling + completed + failed + skipped == rows.total - rows.invalid.
//   - completed and failed are terminal; a terminal run never changes status again.
type Run struct {
	ID             string `json:"id"`
	CampaignID     string `json:"campaign_id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`

	Status      Status     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// CustomPrompt is forwarded to the provider with every call of the run.
	CustomPrompt string `json:"custom_prompt,omitempty"`

	RawFileURL       string `json:"raw_file_url,omitempty"`
	ProcessedFileURL string `json:"processed_file_url,omitempty"`

	Metadata Metadata `json:"metadata"`

	// Version increases on every status or counter change.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Metadata struct {
	Rows  RowCounts  `json:"rows"`
	Calls CallCounts `json:"calls"`
	Run   Timing     `json:"run"`
}

type RowCounts struct {
	Total   int `json:"total"`
	Invalid int `json:"invalid"`
}

// CallCounts partitions the valid rows of a run by status.
// Voicemail, Connected and Converted are sub-counts of Completed.
type CallCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Calling   int `json:"calling"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Voicemail int `json:"voicemail"`
	Connected int `json:"connected"`
	Converted int `json:"converted"`
}

type Timing struct {
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	LastPausedAt  *time.Time `json:"last_paused_at,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`

	// DurationSeconds is end_time - start_time once the run completes.
	DurationSeconds int64  `json:"duration"`
	Error           string `json:"error,omitempty"`
}

// Partitioned reports whether the status counters add up to the valid row count.
func (c CallCounts) Partitioned(rows RowCounts) bool {
	sum := c.Pending + c.Calling + c.Completed + c.Failed + c.Skipped
	return sum == rows.Total-rows.Invalid && c.Total == rows.Total-rows.Invalid
}

// CounterDelta is a signed change to a run's call counters. It is applied
// atomically together with the row change that produced it.
type CounterDelta struct {
	Pending   int
	Calling   int
	Completed int
	Failed    int
	Skipped   int
	Voicemail int
	Connected int
	Converted int
}

func (d CounterDelta) IsZero() bool { return d == CounterDelta{} }

// Apply adds d to c.
func (d CounterDelta) Apply(c CallCounts) CallCounts {
	c.Pending += d.Pending
	c.Calling += d.Calling
	c.Completed += d.Completed
	c.Failed += d.Failed
	c.Skipped += d.Skipped
	c.Voicemail += d.Voicemail
	c.Connected += d.Connected
	c.Converted += d.Converted
	return c
}

package campaigns

import "time"

// Campaign is the reusable definition a run executes against.
type Campaign struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Type           string `json:"type,omitempty"`

	// AgentID identifies the provider-side voice agent placing the calls.
	AgentID    string `json:"agent_id"`
	BasePrompt string `json:"base_prompt,omitempty"`

	// MainKPIKey names the post-call analysis field whose boolean true marks a
	// conversion.
	MainKPIKey string `json:"main_kpi_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

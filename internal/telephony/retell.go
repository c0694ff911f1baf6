package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultRetellBaseURL = "https://api.retellai.com"

// RetellProvider places calls through the Retell phone call API.
type RetellProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewRetellProvider(baseURL, apiKey string, timeout time.Duration) *RetellProvider {
	if baseURL == "" {
		baseURL = DefaultRetellBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RetellProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *RetellProvider) Name() string { return "retell" }

type retellCreateCallRequest struct {
	FromNumber       string            `json:"from_number"`
	ToNumber         string            `json:"to_number"`
	OverrideAgentID  string            `json:"override_agent_id,omitempty"`
	DynamicVariables map[string]string `json:"retell_llm_dynamic_variables,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type retellCreateCallResponse struct {
	CallID     string `json:"call_id"`
	CallStatus string `json:"call_status"`
}

type retellError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (p *RetellProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if p.apiKey == "" {
		return PlaceCallResult{}, fmt.Errorf("%w: retell api key not configured", ErrUnauthorized)
	}
	if req.To == "" || req.From == "" {
		return PlaceCallResult{}, fmt.Errorf("%w: from and to numbers are required", ErrRejected)
	}

	body, err := json.Marshal(retellCreateCallRequest{
		FromNumber:       req.From,
		ToNumber:         req.To,
		OverrideAgentID:  req.AgentID,
		DynamicVariables: req.Variables,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("marshal retell request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/create-phone-call", bytes.NewReader(body))
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("build retell request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return PlaceCallResult{}, err
		}
		return PlaceCallResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		return PlaceCallResult{}, classifyStatus(resp.StatusCode, raw)
	}

	var out retellCreateCallResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return PlaceCallResult{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if out.CallID == "" {
		return PlaceCallResult{}, fmt.Errorf("%w: response without call_id", ErrUnavailable)
	}
	return PlaceCallResult{ExternalCallID: out.CallID, Status: out.CallStatus}, nil
}

func classifyStatus(code int, body []byte) error {
	msg := http.StatusText(code)
	var re retellError
	if json.Unmarshal(body, &re) == nil {
		if re.Message != "" {
			msg = re.Message
		} else if re.Error != "" {
			msg = re.Error
		}
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusPaymentRequired:
		return fmt.Errorf("%w: %d %s", ErrUnauthorized, code, msg)
	case code >= 500:
		return fmt.Errorf("%w: %d %s", ErrUnavailable, code, msg)
	default:
		return fmt.Errorf("%w: %d %s", ErrRejected, code, msg)
	}
}

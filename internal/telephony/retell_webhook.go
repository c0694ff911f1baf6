package telephony

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"campaign-runner/internal/record"
)

var (
	ErrBadSignature = errors.New("telephony: webhook signature mismatch")
	ErrBadPayload   = errors.New("telephony: malformed webhook payload")
	// ErrIgnoredEvent marks a well-formed webhook for an event that carries
	// nothing to reconcile. Callers acknowledge it so the provider stops.
	ErrIgnoredEvent = errors.New("telephony: ignored webhook event")
)

// RetellSignatureHeader carries "v=<unix millis>,d=<hex hmac-sha256>" where
// the digest covers the raw body followed by the timestamp.
const RetellSignatureHeader = "X-Retell-Signature"

// signatureTolerance bounds how old a signed webhook may be.
const signatureTolerance = 5 * time.Minute

// Retell webhook events.
const (
	retellEventStarted  = "call_started"
	retellEventEnded    = "call_ended"
	retellEventAnalyzed = "call_analyzed"
)

type RetellWebhook struct {
	Event string     `json:"event"`
	Call  RetellCall `json:"call"`
}

type RetellCall struct {
	CallID              string            `json:"call_id"`
	AgentID             string            `json:"agent_id"`
	CallType            string            `json:"call_type"`
	Direction           string            `json:"direction"`
	FromNumber          string            `json:"from_number"`
	ToNumber            string            `json:"to_number"`
	CallStatus          string            `json:"call_status"`
	DisconnectionReason string            `json:"disconnection_reason"`
	Metadata            map[string]any    `json:"metadata"`
	Transcript          string            `json:"transcript"`
	RecordingURL        string            `json:"recording_url"`
	StartTimestamp      int64             `json:"start_timestamp"`
	EndTimestamp        int64             `json:"end_timestamp"`
	DurationMS          int64             `json:"duration_ms"`
	Analysis            *RetellAnalysis   `json:"call_analysis"`
	DynamicVariables    map[string]string `json:"retell_llm_dynamic_variables"`
}

type RetellAnalysis struct {
	CallSummary        string         `json:"call_summary"`
	InVoicemail        *bool          `json:"in_voicemail"`
	UserSentiment      string         `json:"user_sentiment"`
	CallSuccessful     *bool          `json:"call_successful"`
	CustomAnalysisData map[string]any `json:"custom_analysis_data"`
}

// VerifyRetellSignature checks header against body using the account API key.
func VerifyRetellSignature(body []byte, header, apiKey string, now time.Time) error {
	if apiKey == "" || header == "" {
		return ErrBadSignature
	}
	var ts, digest string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "v":
			ts = v
		case "d":
			digest = v
		}
	}
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || digest == "" {
		return ErrBadSignature
	}
	if age := now.Sub(time.UnixMilli(millis)); age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}

	want := SignRetell(body, apiKey, millis)
	if !hmac.Equal([]byte(want), []byte(header)) {
		return ErrBadSignature
	}
	return nil
}

// SignRetell builds the signature header value for body at millis.
func SignRetell(body []byte, apiKey string, millis int64) string {
	ts := strconv.FormatInt(millis, 10)
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write(body)
	mac.Write([]byte(ts))
	return "v=" + ts + ",d=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseRetellWebhook decodes a Retell webhook body into a Notification.
//
// call_analyzed is the final event: it carries the post-call analysis the
// counters depend on, so only it yields a terminal outcome. call_started and
// call_ended update the call record only. Any other named event is reported
// as ErrIgnoredEvent.
func ParseRetellWebhook(body []byte) (Notification, error) {
	var w RetellWebhook
	if err := json.Unmarshal(body, &w); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	switch w.Event {
	case retellEventStarted, retellEventEnded, retellEventAnalyzed:
	case "":
		return Notification{}, fmt.Errorf("%w: missing event", ErrBadPayload)
	default:
		return Notification{}, fmt.Errorf("%w: %q", ErrIgnoredEvent, w.Event)
	}
	if w.Call.CallID == "" {
		return Notification{}, fmt.Errorf("%w: missing call.call_id", ErrBadPayload)
	}

	n := Notification{
		ExternalCallID:  w.Call.CallID,
		Direction:       w.Call.Direction,
		From:            w.Call.FromNumber,
		To:              w.Call.ToNumber,
		Reason:          w.Call.DisconnectionReason,
		Transcript:      w.Call.Transcript,
		RecordingURL:    w.Call.RecordingURL,
		DurationSeconds: w.Call.DurationMS / 1000,
		StartedAt:       millisPtr(w.Call.StartTimestamp),
		EndedAt:         millisPtr(w.Call.EndTimestamp),
		RowID:           metadataString(w.Call.Metadata, MetadataRowID),
		RunID:           metadataString(w.Call.Metadata, MetadataRunID),
	}

	if w.Event == retellEventAnalyzed {
		n.Outcome = retellOutcome(w.Call)
	} else {
		n.Outcome = OutcomeInProgress
	}

	if a := w.Call.Analysis; a != nil {
		custom, err := record.FromAny(scalars(a.CustomAnalysisData))
		if err != nil {
			return Notification{}, fmt.Errorf("%w: custom_analysis_data: %v", ErrBadPayload, err)
		}
		if len(custom) > 0 {
			n.Analysis = custom
		}
		post := record.Record{}
		if a.CallSummary != "" {
			post["call_summary"] = record.String(a.CallSummary)
		}
		if a.UserSentiment != "" {
			post["user_sentiment"] = record.String(a.UserSentiment)
		}
		if a.CallSuccessful != nil {
			post["call_successful"] = record.Bool(*a.CallSuccessful)
		}
		if len(post) > 0 {
			n.PostCallData = post
		}
	}
	return n, nil
}

// retellOutcome maps a finished call onto the outcome table.
func retellOutcome(c RetellCall) Outcome {
	if c.Analysis != nil && c.Analysis.InVoicemail != nil && *c.Analysis.InVoicemail {
		return OutcomeVoicemail
	}
	switch c.DisconnectionReason {
	case "voicemail_reached", "machine_detected":
		return OutcomeVoicemail
	case "dial_no_answer":
		return OutcomeNoAnswer
	case "dial_busy":
		return OutcomeBusy
	case "user_declined", "registered_call_timeout":
		return OutcomeCanceled
	case "user_hangup", "agent_hangup", "call_transfer", "inactivity", "max_duration_reached":
		return OutcomeCompleted
	case "":
		if c.CallStatus == "ended" {
			return OutcomeCompleted
		}
		return OutcomeFailed
	default:
		// dial_failed, error_*, invalid_destination and anything new
		return Outcome(c.DisconnectionReason)
	}
}

// scalars drops nested objects and lists, which rows cannot hold.
func scalars(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		out[k] = v
	}
	return out
}

func metadataString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func millisPtr(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"provider-scout/internal/calls"
)

// Push message types sent by the voice platform's server URL.
const (
	MessageEndOfCallReport = "end-of-call-report"
	MessageStatusUpdate    = "status-update"
)

var ErrInvalidPayload = errors.New("telephony: invalid payload")

// callPayload is the call object as the platform serializes it, both inside
// push messages and on GET /call/{id}.
type callPayload struct {
	ID          string           `json:"id"`
	Status      string           `json:"status"`
	EndedReason string           `json:"endedReason"`
	StartedAt   *time.Time       `json:"startedAt"`
	EndedAt     *time.Time       `json:"endedAt"`
	Cost        *decimal.Decimal `json:"cost"`
	Transcript  string           `json:"transcript"`
	Artifact    *struct {
		Transcript string `json:"transcript"`
	} `json:"artifact"`
	Analysis *analysisPayload `json:"analysis"`
	Metadata map[string]any   `json:"metadata"`
}

type analysisPayload struct {
	Summary           string         `json:"summary"`
	StructuredData    map[string]any `json:"structuredData"`
	SuccessEvaluation any            `json:"successEvaluation"`
}

// pushEnvelope is the webhook body. End-of-call reports carry the final
// fields at message level; the nested call object carries id and metadata.
type pushEnvelope struct {
	Message struct {
		Type            string           `json:"type"`
		Status          string           `json:"status"`
		EndedReason     string           `json:"endedReason"`
		Transcript      string           `json:"transcript"`
		DurationSeconds *float64         `json:"durationSeconds"`
		Cost            *decimal.Decimal `json:"cost"`
		Analysis        *analysisPayload `json:"analysis"`
		Call            callPayload      `json:"call"`
	} `json:"message"`
}

// Push is a parsed webhook delivery.
type Push struct {
	Type      string
	RequestID string
	Result    calls.CallResult
}

// ParsePush validates a webhook body and normalizes it into a CallResult.
// Message types other than status updates and end-of-call reports are
// returned with an empty Type and should be acknowledged and ignored.
func ParsePush(body []byte, receivedAt time.Time) (Push, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Push{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	m := env.Message
	switch m.Type {
	case MessageEndOfCallReport, MessageStatusUpdate:
	default:
		return Push{}, nil
	}

	c := m.Call
	if m.Status != "" {
		c.Status = m.Status
	}
	if m.EndedReason != "" {
		c.EndedReason = m.EndedReason
	}
	if m.Transcript != "" {
		c.Transcript = m.Transcript
	}
	if m.Cost != nil {
		c.Cost = m.Cost
	}
	if m.Analysis != nil {
		c.Analysis = m.Analysis
	}

	complete := m.Type == MessageEndOfCallReport
	if complete && c.Status == "" {
		c.Status = "ended"
	}

	r, err := normalizeCall(c, complete, receivedAt)
	if err != nil {
		return Push{}, err
	}
	if m.DurationSeconds != nil {
		r.DurationSeconds = *m.DurationSeconds
	}
	return Push{
		Type:      m.Type,
		RequestID: metaString(c.Metadata, "request_id"),
		Result:    r,
	}, nil
}

// normalizeCall maps a platform call object onto a CallResult. complete marks
// results that carry the final report rather than a progress update.
func normalizeCall(c callPayload, complete bool, receivedAt time.Time) (calls.CallResult, error) {
	if strings.TrimSpace(c.ID) == "" {
		return calls.CallResult{}, fmt.Errorf("%w: missing call id", ErrInvalidPayload)
	}
	st, ok := calls.ParseStatus(c.Status, c.EndedReason)
	if !ok {
		return calls.CallResult{}, fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, c.Status)
	}

	r := calls.CallResult{
		CallID:      c.ID,
		ProviderID:  metaString(c.Metadata, "provider_id"),
		Status:      st,
		EndedReason: c.EndedReason,
		Transcript:  c.Transcript,
		DataStatus:  calls.DataPartial,
		Backend:     BackendDirect,
		ReceivedAt:  receivedAt.UTC(),
	}
	if r.Transcript == "" && c.Artifact != nil {
		r.Transcript = c.Artifact.Transcript
	}
	if c.Cost != nil {
		r.Cost = *c.Cost
	}
	if c.StartedAt != nil && c.EndedAt != nil && c.EndedAt.After(*c.StartedAt) {
		r.DurationSeconds = c.EndedAt.Sub(*c.StartedAt).Seconds()
	}
	if c.Analysis != nil {
		r.Analysis = calls.Analysis{
			Summary:           c.Analysis.Summary,
			StructuredData:    calls.StructuredData(c.Analysis.StructuredData),
			SuccessEvaluation: truthy(c.Analysis.SuccessEvaluation),
		}
	}
	if complete && st.IsTerminal() {
		r.DataStatus = calls.DataComplete
	}
	return r, nil
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// truthy accepts the evaluation rubrics the platform supports: booleans,
// "true"/"pass" strings and numeric scores above zero.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t > 0
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if s == "pass" {
			return true
		}
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f > 0
		}
	}
	return false
}

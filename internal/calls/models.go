package calls

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// CallRequest is the immutable input to one outbound call attempt.
//
// Invariant: ProviderID is the internal provider id. External place/listing
// identifiers live in ExternalRef and are never used as keys.
type CallRequest struct {
	RequestID  string `json:"request_id" validate:"required"`
	ProviderID string `json:"provider_id" validate:"required,uuid"`

	ExternalRef  string `json:"external_ref,omitempty"`
	ProviderName string `json:"provider_name" validate:"required"`

	// Phone is E.164.
	Phone string `json:"phone" validate:"required,e164"`

	ServiceDescription string  `json:"service_description" validate:"required"`
	Criteria           string  `json:"criteria,omitempty"`
	Urgency            Urgency `json:"urgency" validate:"omitempty,oneof=immediate within_24_hours within_2_days flexible"`
	Location           string  `json:"location,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

var ErrInvalidRequest = errors.New("calls: invalid call request")

// Validate checks the request shape before anything is dialed.
func (r CallRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return errors.Join(ErrInvalidRequest, err)
	}
	return nil
}

// CriteriaItems splits the free-text criteria into individual requirements.
func (r CallRequest) CriteriaItems() []string {
	return SplitCriteria(r.Criteria)
}

// SplitCriteria splits on commas, semicolons and newlines, dropping blanks.
func SplitCriteria(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

type Urgency string

const (
	UrgencyImmediate     Urgency = "immediate"
	UrgencyWithin24Hours Urgency = "within_24_hours"
	UrgencyWithin2Days   Urgency = "within_2_days"
	UrgencyFlexible      Urgency = "flexible"
)

// DataStatus tells whether a delivered result is final. Platforms may push
// several partial updates before the end-of-call report.
type DataStatus string

const (
	DataPartial  DataStatus = "partial"
	DataComplete DataStatus = "complete"
)

// CallResult is the outcome of one call attempt.
//
// A result is created once per attempt. Only Status may change afterwards,
// and only towards a terminal value (see Status.Rank).
type CallResult struct {
	CallID     string `json:"call_id"`
	ProviderID string `json:"provider_id,omitempty"`

	Status      Status `json:"status"`
	EndedReason string `json:"ended_reason,omitempty"`
	Transcript  string `json:"transcript,omitempty"`

	DurationSeconds float64         `json:"duration_seconds"`
	Cost            decimal.Decimal `json:"cost"`

	Analysis Analysis `json:"analysis"`

	DataStatus DataStatus `json:"data_status"`

	// Backend records which execution path produced the result.
	Backend    string    `json:"backend,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Complete reports whether the result can be handed to a waiting caller.
func (r CallResult) Complete() bool {
	return r.DataStatus == DataComplete && r.Status.IsTerminal()
}

// Analysis is the structured post-call analysis produced by the voice platform.
// It is empty for outcomes such as no_answer.
type Analysis struct {
	Summary           string         `json:"summary,omitempty"`
	StructuredData    StructuredData `json:"structured_data,omitempty"`
	SuccessEvaluation bool           `json:"success_evaluation"`
}

const (
	EndedReasonWaitTimeout = "orchestrator-wait-timeout"
	EndedReasonUnplaced    = "call-not-placed"

	unplacedPrefix = "unplaced-"
)

// TimeoutResult is the synthetic result returned when this system stops
// waiting. The real call may still be running at the platform.
func TimeoutResult(callID, providerID string, at time.Time) CallResult {
	return CallResult{
		CallID:      callID,
		ProviderID:  providerID,
		Status:      StatusTimeout,
		EndedReason: EndedReasonWaitTimeout,
		DataStatus:  DataComplete,
		ReceivedAt:  at,
	}
}

// UnplacedResult records a call that was never created at the platform.
// The call id is deterministic per provider so repeated failures dedupe.
func UnplacedResult(req CallRequest, cause error, at time.Time) CallResult {
	reason := EndedReasonUnplaced
	if cause != nil {
		reason = EndedReasonUnplaced + ": " + cause.Error()
	}
	return CallResult{
		CallID:      UnplacedCallID(req.ProviderID),
		ProviderID:  req.ProviderID,
		Status:      StatusError,
		EndedReason: reason,
		DataStatus:  DataComplete,
		ReceivedAt:  at,
	}
}

func UnplacedCallID(providerID string) string { return unplacedPrefix + providerID }

// IsUnplaced reports whether the result stands for a call that never reached the platform.
func (r CallResult) IsUnplaced() bool { return strings.HasPrefix(r.CallID, unplacedPrefix) }

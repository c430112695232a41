package store

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"provider-scout/internal/calls"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate")
)

// ServiceRequest is one user request for providers. Status holds the
// lifecycle state name; transitions are compare-and-set on it.
type ServiceRequest struct {
	ID          string        `json:"id"`
	AccountID   string        `json:"account_id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Criteria    string        `json:"criteria,omitempty"`
	Urgency     calls.Urgency `json:"urgency"`
	Location    string        `json:"location,omitempty"`

	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	Backend       string `json:"backend,omitempty"`

	// Recommendation is the JSON snapshot of the last scoring result.
	Recommendation     string `json:"-"`
	SelectedProviderID string `json:"selected_provider_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provider is a candidate business bound to one request. ID is internal;
// ExternalRef is the listing identifier it was discovered under.
type Provider struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	ExternalRef string `json:"external_ref"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Position    int    `json:"position"`

	CallID          string          `json:"call_id,omitempty"`
	CallStatus      calls.Status    `json:"call_status"`
	EndedReason     string          `json:"ended_reason,omitempty"`
	Transcript      string          `json:"transcript,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
	Cost            decimal.Decimal `json:"cost"`
	Analysis        calls.Analysis  `json:"analysis"`
	Backend         string          `json:"backend,omitempty"`

	CalledAt  *time.Time `json:"called_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Result rebuilds the call result last applied to the provider.
func (p Provider) Result() calls.CallResult {
	r := calls.CallResult{
		CallID:          p.CallID,
		ProviderID:      p.ID,
		Status:          p.CallStatus,
		EndedReason:     p.EndedReason,
		Transcript:      p.Transcript,
		DurationSeconds: p.DurationSeconds,
		Cost:            p.Cost,
		Analysis:        p.Analysis,
		DataStatus:      calls.DataPartial,
		Backend:         p.Backend,
		ReceivedAt:      p.UpdatedAt,
	}
	if p.CallStatus.IsTerminal() {
		r.DataStatus = calls.DataComplete
	}
	return r
}

// CallRequest builds the immutable call input for this provider.
func (p Provider) CallRequest(sr ServiceRequest) calls.CallRequest {
	return calls.CallRequest{
		RequestID:          sr.ID,
		ProviderID:         p.ID,
		ExternalRef:        p.ExternalRef,
		ProviderName:       p.Name,
		Phone:              p.Phone,
		ServiceDescription: sr.Description,
		Criteria:           sr.Criteria,
		Urgency:            sr.Urgency,
		Location:           sr.Location,
	}
}

// RequestUpdate carries optional columns changed together with a status
// transition. Nil fields are left as they are.
type RequestUpdate struct {
	FailureReason      *string
	Backend            *string
	Recommendation     *string
	SelectedProviderID *string
}

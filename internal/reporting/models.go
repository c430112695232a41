package reporting

import (
	"time"

	"github.com/shopspring/decimal"

	"provider-scout/internal/batch"
	"provider-scout/internal/scoring"
	"provider-scout/internal/store"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// RequestSummary is everything a client needs to render one request.
type RequestSummary struct {
	Request   store.ServiceRequest `json:"request"`
	Providers []store.Provider     `json:"providers"`

	Stats     batch.Stats     `json:"stats"`
	TotalCost decimal.Decimal `json:"totalCost"`

	// Recommendation is present once scoring ran.
	Recommendation *scoring.Result `json:"recommendation,omitempty"`
}

// AccountSummaryRequest aggregates an account's requests created in Range.
type AccountSummaryRequest struct {
	AccountID string    `json:"account_id"`
	Range     TimeRange `json:"range"`
}

type AccountSummary struct {
	AccountID string    `json:"account_id"`
	Range     TimeRange `json:"range"`

	Requests int            `json:"requests"`
	ByStatus map[string]int `json:"by_status"`

	Calls     batch.Stats     `json:"calls"`
	TotalCost decimal.Decimal `json:"totalCost"`
}

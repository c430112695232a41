// Package scoring turns terminal call results into ranked recommendations.
package scoring

import (
	"errors"

	"provider-scout/internal/calls"
)

const DefaultTopK = 3

var (
	ErrInvalidWeights = errors.New("scoring: weights must be non-negative and sum to 1.0")
	ErrScoringFailed  = errors.New("scoring: failed")
)

// NoteNoQualified is returned when every call was filtered out. It is a
// successful, empty outcome.
const NoteNoQualified = "No provider qualified: every call was unanswered, unavailable or disqualified."

// Candidate is one provider and the result of calling it. Order is the
// original call order and breaks score ties.
type Candidate struct {
	ProviderID   string           `json:"providerId"`
	ProviderName string           `json:"providerName"`
	Order        int              `json:"order"`
	Result       calls.CallResult `json:"result"`
}

type Input struct {
	Candidates []Candidate
	Criteria   string
	Urgency    calls.Urgency
}

type Recommendation struct {
	ProviderID      string   `json:"providerId"`
	ProviderName    string   `json:"providerName"`
	Score           float64  `json:"score"`
	Reasoning       string   `json:"reasoning"`
	CriteriaMatched []string `json:"criteriaMatched"`
}

type Result struct {
	Recommendations []Recommendation `json:"recommendations"`
	Note            string           `json:"note,omitempty"`

	Considered int `json:"considered"`
	Qualified  int `json:"qualified"`
}

// Qualifies reports whether a result may be recommended at all.
func Qualifies(r calls.CallResult) bool {
	if r.Status != calls.StatusCompleted || r.IsUnplaced() {
		return false
	}
	sd := r.Analysis.StructuredData
	if sd.Disqualified() {
		return false
	}
	return sd.Availability() != calls.AvailabilityUnavailable
}

// Filter keeps qualifying candidates in their original order.
func Filter(cands []Candidate) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if Qualifies(c.Result) {
			out = append(out, c)
		}
	}
	return out
}

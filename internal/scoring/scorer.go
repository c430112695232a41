package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"provider-scout/internal/calls"
	"provider-scout/pkg/logger"
)

// Reasoner ranks already-qualified candidates remotely. Timeouts are the
// caller's to bound through ctx.
type Reasoner interface {
	Rank(ctx context.Context, req ReasonRequest) ([]Recommendation, error)
}

type ReasonRequest struct {
	Candidates []Candidate `json:"candidates"`
	Criteria   string      `json:"criteria"`
	Urgency    string      `json:"urgency"`
	Weights    Weights     `json:"weights"`
}

type Scorer struct {
	weights  Weights
	topK     int
	reasoner Reasoner
}

// New validates weights up front. reasoner may be nil for local scoring.
func New(w Weights, topK int, reasoner Reasoner) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Scorer{weights: w, topK: topK, reasoner: reasoner}, nil
}

func (s *Scorer) Score(ctx context.Context, in Input) (Result, error) {
	qualified := Filter(in.Candidates)
	res := Result{Considered: len(in.Candidates), Qualified: len(qualified)}
	if len(qualified) == 0 {
		res.Recommendations = []Recommendation{}
		res.Note = NoteNoQualified
		return res, nil
	}

	var recs []Recommendation
	if s.reasoner != nil {
		ranked, err := s.reasoner.Rank(ctx, ReasonRequest{
			Candidates: qualified,
			Criteria:   in.Criteria,
			Urgency:    string(in.Urgency),
			Weights:    s.weights,
		})
		if err != nil {
			logger.From(ctx).Error("scoring_reasoner_failed", "err", err)
			return Result{}, fmt.Errorf("%w: %w", ErrScoringFailed, err)
		}
		recs, err = accept(qualified, ranked)
		if err != nil {
			return Result{}, err
		}
	} else {
		recs = s.local(qualified, in)
	}

	order := make(map[string]int, len(qualified))
	for i, c := range qualified {
		order[c.ProviderID] = i
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		return order[recs[i].ProviderID] < order[recs[j].ProviderID]
	})
	if len(recs) > s.topK {
		recs = recs[:s.topK]
	}
	res.Recommendations = recs
	return res, nil
}

// accept validates remote output against the candidates that were sent.
func accept(qualified []Candidate, ranked []Recommendation) ([]Recommendation, error) {
	byID := make(map[string]Candidate, len(qualified))
	for _, c := range qualified {
		byID[c.ProviderID] = c
	}
	seen := make(map[string]struct{}, len(ranked))
	out := make([]Recommendation, 0, len(ranked))
	for _, r := range ranked {
		c, ok := byID[r.ProviderID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown provider %q in ranking", ErrScoringFailed, r.ProviderID)
		}
		if _, dup := seen[r.ProviderID]; dup {
			return nil, fmt.Errorf("%w: provider %q ranked twice", ErrScoringFailed, r.ProviderID)
		}
		if r.Score < 0 || r.Score > 100 || math.IsNaN(r.Score) {
			return nil, fmt.Errorf("%w: score %v out of range", ErrScoringFailed, r.Score)
		}
		seen[r.ProviderID] = struct{}{}
		if r.ProviderName == "" {
			r.ProviderName = c.ProviderName
		}
		if r.CriteriaMatched == nil {
			r.CriteriaMatched = []string{}
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty ranking for %d candidates", ErrScoringFailed, len(qualified))
	}
	return out, nil
}

func (s *Scorer) local(qualified []Candidate, in Input) []Recommendation {
	minRate := 0.0
	for _, c := range qualified {
		if r, ok := c.Result.Analysis.StructuredData.Rate(); ok && (minRate == 0 || r < minRate) {
			minRate = r
		}
	}
	criteria := calls.SplitCriteria(in.Criteria)

	out := make([]Recommendation, 0, len(qualified))
	for _, c := range qualified {
		sd := c.Result.Analysis.StructuredData
		matched, coverage := criteriaCoverage(sd, criteria)
		rate, hasRate := sd.Rate()

		rateScore := 0.5
		if hasRate && minRate > 0 {
			rateScore = minRate / rate
		}
		prof := 0.5
		if p, ok := sd.Professionalism(); ok {
			prof = p / 100
		}

		w := s.weights
		total := w.UrgencyFit*urgencyFit(sd, in.Urgency) +
			w.RateCompetitiveness*rateScore +
			w.CriteriaCoverage*coverage +
			w.CallQuality*callQuality(c.Result) +
			w.Professionalism*prof

		out = append(out, Recommendation{
			ProviderID:      c.ProviderID,
			ProviderName:    c.ProviderName,
			Score:           math.Round(total*1000) / 10,
			Reasoning:       reasoning(sd, rate, hasRate, len(matched), len(criteria)),
			CriteriaMatched: matched,
		})
	}
	return out
}

var soonWords = []string{"now", "today", "asap", "immediately", "right away", "tonight", "this afternoon", "this morning"}

func urgencyFit(sd calls.StructuredData, u calls.Urgency) float64 {
	switch sd.Availability() {
	case calls.AvailabilityAvailable:
	case calls.AvailabilityCallback:
		return 0.5
	default:
		return 0.4
	}
	earliest := strings.ToLower(sd.EarliestAvailability())
	soon := false
	for _, w := range soonWords {
		if strings.Contains(earliest, w) {
			soon = true
			break
		}
	}
	switch u {
	case calls.UrgencyImmediate:
		if soon {
			return 1
		}
		return 0.6
	case calls.UrgencyWithin24Hours:
		if soon || strings.Contains(earliest, "tomorrow") {
			return 1
		}
		return 0.7
	default:
		return 1
	}
}

func criteriaCoverage(sd calls.StructuredData, criteria []string) ([]string, float64) {
	met := sd.CriteriaMet()
	if len(criteria) == 0 {
		if met == nil {
			met = []string{}
		}
		return met, 1
	}
	if all, ok := sd.AllCriteriaMet(); ok && all {
		return criteria, 1
	}
	matched := []string{}
	for _, want := range criteria {
		lw := strings.ToLower(want)
		for _, got := range met {
			lg := strings.ToLower(got)
			if strings.Contains(lg, lw) || strings.Contains(lw, lg) {
				matched = append(matched, want)
				break
			}
		}
	}
	return matched, float64(len(matched)) / float64(len(criteria))
}

func callQuality(r calls.CallResult) float64 {
	q := 0.0
	if r.Analysis.SuccessEvaluation {
		q += 0.5
	}
	if strings.TrimSpace(r.Analysis.Summary) != "" {
		q += 0.2
	}
	if r.DurationSeconds >= 30 {
		q += 0.3
	}
	return q
}

func reasoning(sd calls.StructuredData, rate float64, hasRate bool, matched, total int) string {
	var parts []string
	if e := sd.EarliestAvailability(); e != "" {
		parts = append(parts, "available "+e)
	} else if a := sd.Availability(); a != "" {
		parts = append(parts, "availability "+a)
	}
	if hasRate {
		parts = append(parts, fmt.Sprintf("quoted %.2f", rate))
	}
	if total > 0 {
		parts = append(parts, fmt.Sprintf("meets %d of %d requirements", matched, total))
	}
	if len(parts) == 0 {
		return "completed call with no structured details"
	}
	return strings.Join(parts, "; ")
}

package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"provider-scout/internal/batch"
	"provider-scout/internal/calls"
	"provider-scout/internal/scoring"
	"provider-scout/internal/store"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// maxRequests bounds an account summary scan.
const maxRequests = 200

// Repository must scope every read to the account.
type Repository interface {
	GetRequestForAccount(ctx context.Context, accountID, id string) (store.ServiceRequest, error)
	ListRequests(ctx context.Context, accountID string, limit int) ([]store.ServiceRequest, error)
	ListProviders(ctx context.Context, requestID string) ([]store.Provider, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) RequestSummary(ctx context.Context, accountID, requestID string) (RequestSummary, error) {
	if accountID == "" || requestID == "" {
		return RequestSummary{}, ErrInvalidRequest
	}
	sr, err := s.repo.GetRequestForAccount(ctx, accountID, requestID)
	if err != nil {
		return RequestSummary{}, err
	}
	providers, err := s.repo.ListProviders(ctx, sr.ID)
	if err != nil {
		return RequestSummary{}, err
	}

	stats, cost := summarizeProviders(providers)
	out := RequestSummary{Request: sr, Providers: providers, Stats: stats, TotalCost: cost}
	if sr.Recommendation != "" {
		var res scoring.Result
		if err := json.Unmarshal([]byte(sr.Recommendation), &res); err != nil {
			return RequestSummary{}, fmt.Errorf("reporting: decode recommendation: %w", err)
		}
		out.Recommendation = &res
	}
	return out, nil
}

func (s *Service) AccountSummary(ctx context.Context, req AccountSummaryRequest) (AccountSummary, error) {
	if req.AccountID == "" {
		return AccountSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return AccountSummary{}, ErrInvalidRequest
	}

	reqs, err := s.repo.ListRequests(ctx, req.AccountID, maxRequests)
	if err != nil {
		return AccountSummary{}, err
	}

	out := AccountSummary{AccountID: req.AccountID, Range: req.Range, ByStatus: map[string]int{}}
	var all []store.Provider
	for _, sr := range reqs {
		if sr.CreatedAt.Before(req.Range.From) || !sr.CreatedAt.Before(req.Range.To) {
			continue
		}
		out.Requests++
		out.ByStatus[sr.Status]++
		providers, err := s.repo.ListProviders(ctx, sr.ID)
		if err != nil {
			return AccountSummary{}, err
		}
		all = append(all, providers...)
	}
	out.Calls, out.TotalCost = summarizeProviders(all)
	return out, nil
}

func summarizeProviders(providers []store.Provider) (batch.Stats, decimal.Decimal) {
	results := make([]calls.CallResult, 0, len(providers))
	cost := decimal.Zero
	for _, p := range providers {
		results = append(results, p.Result())
		cost = cost.Add(p.Cost)
	}
	return batch.Summarize(len(providers), results), cost
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"provider-scout/internal/calls"
)

// Repository is the persistence contract for interaction log entries.
//
// It MUST be append-only and insert-or-ignore on DedupeKey: Append reports
// whether the entry was new. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Entry) (bool, error)
	List(ctx context.Context, requestID string) ([]Entry, error)
}

// Service writes the interaction log of service requests.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEntry = errors.New("audit: invalid entry")

func (s *Service) Append(ctx context.Context, e Entry) (bool, error) {
	if s.repo == nil {
		return false, errors.New("audit: repository not configured")
	}
	if e.RequestID == "" || e.Type == "" || e.DedupeKey == "" {
		return false, ErrInvalidEntry
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) List(ctx context.Context, requestID string) ([]Entry, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.List(ctx, requestID)
}

type resultMetadata struct {
	Status          calls.Status   `json:"status"`
	EndedReason     string         `json:"ended_reason,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	Cost            string         `json:"cost"`
	Backend         string         `json:"backend,omitempty"`
	Analysis        calls.Analysis `json:"analysis"`
}

// LogCallResult records a terminal call result once per call id.
func (s *Service) LogCallResult(ctx context.Context, requestID string, r calls.CallResult) (bool, error) {
	meta, err := json.Marshal(resultMetadata{
		Status:          r.Status,
		EndedReason:     r.EndedReason,
		DurationSeconds: r.DurationSeconds,
		Cost:            r.Cost.String(),
		Backend:         r.Backend,
		Analysis:        r.Analysis,
	})
	if err != nil {
		return false, err
	}
	msg := "call " + string(r.Status)
	if r.Analysis.Summary != "" {
		msg = r.Analysis.Summary
	}
	return s.Append(ctx, Entry{
		RequestID:  requestID,
		ProviderID: r.ProviderID,
		CallID:     r.CallID,
		Type:       EntryCallResult,
		DedupeKey:  r.CallID,
		Message:    msg,
		Metadata:   string(meta),
	})
}

// LogCallStarted records that a call was placed for a provider.
func (s *Service) LogCallStarted(ctx context.Context, requestID, providerID, callID, backend string) (bool, error) {
	return s.Append(ctx, Entry{
		RequestID:  requestID,
		ProviderID: providerID,
		CallID:     callID,
		Type:       EntryCallStarted,
		DedupeKey:  StartedKey(callID),
		Message:    "call placed via " + backend,
	})
}

// LogRequestEvent records a request-level event once per (request, event).
func (s *Service) LogRequestEvent(ctx context.Context, requestID string, typ EntryType, event, message, metadata string) (bool, error) {
	return s.Append(ctx, Entry{
		RequestID: requestID,
		Type:      typ,
		DedupeKey: RequestKey(requestID, event),
		Message:   message,
		Metadata:  metadata,
	})
}

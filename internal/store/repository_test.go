package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"provider-scout/internal/calls"
	"provider-scout/internal/store"
	"provider-scout/internal/store/storetest"
)

func seed(t *testing.T, s *store.SQLStore, n int) (store.ServiceRequest, []store.Provider) {
	t.Helper()
	req := store.ServiceRequest{
		ID:          uuid.NewString(),
		AccountID:   "acct-1",
		Title:       "Water heater",
		Description: "leaking water heater",
		Urgency:     calls.UrgencyImmediate,
		Status:      "PENDING",
	}
	var ps []store.Provider
	for i := 0; i < n; i++ {
		ps = append(ps, store.Provider{
			ID:          uuid.NewString(),
			ExternalRef: "place-" + string(rune('a'+i)),
			Name:        "Provider",
			Phone:       "+16502530000",
		})
	}
	if err := s.CreateRequest(context.Background(), req, ps); err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req, ps
}

func TestCreateRequestCollapsesDuplicateExternalRefs(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	req := store.ServiceRequest{ID: uuid.NewString(), AccountID: "a", Title: "t", Description: "d", Urgency: calls.UrgencyFlexible, Status: "PENDING"}
	ps := []store.Provider{
		{ID: uuid.NewString(), ExternalRef: "place-1", Name: "A", Phone: "+16502530000"},
		{ID: uuid.NewString(), ExternalRef: "place-1", Name: "A again", Phone: "+16502530000"},
	}
	if err := s.CreateRequest(ctx, req, ps); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	got, err := s.ListProviders(ctx, req.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != ps[0].ID || got[0].CallStatus != calls.StatusQueued {
		t.Fatalf("expected the first provider only, got %+v", got)
	}
}

func TestTransitionRequestIsCompareAndSet(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	req, _ := seed(t, s, 1)

	ok, err := s.TransitionRequest(ctx, req.ID, "PENDING", "RESEARCHING", store.RequestUpdate{})
	if err != nil || !ok {
		t.Fatalf("expected transition, got %v %v", ok, err)
	}
	ok, err = s.TransitionRequest(ctx, req.ID, "PENDING", "RESEARCHING", store.RequestUpdate{})
	if err != nil || ok {
		t.Fatalf("second transition from a stale status must not apply, got %v %v", ok, err)
	}

	reason := "boom"
	if ok, _ := s.TransitionRequest(ctx, req.ID, "RESEARCHING", "FAILED", store.RequestUpdate{FailureReason: &reason}); !ok {
		t.Fatalf("expected transition to FAILED")
	}
	got, err := s.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "FAILED" || got.FailureReason != "boom" || got.Urgency != calls.UrgencyImmediate {
		t.Fatalf("unexpected request %+v", got)
	}

	if _, err := s.GetRequestForAccount(ctx, "other-account", req.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across accounts, got %v", err)
	}
}

func TestApplyResultIsMonotonic(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	_, ps := seed(t, s, 1)
	pid := ps[0].ID

	if err := s.BindCall(ctx, pid, "call-1", "direct"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	p, err := s.ProviderByCallID(ctx, "call-1")
	if err != nil || p.ID != pid || p.CallStatus != calls.StatusRinging || p.CalledAt == nil {
		t.Fatalf("unexpected bound provider %+v %v", p, err)
	}

	final := calls.CallResult{
		CallID:          "call-1",
		Status:          calls.StatusCompleted,
		DurationSeconds: 61.5,
		Cost:            decimal.RequireFromString("0.37"),
		Analysis:        calls.Analysis{Summary: "can come today", StructuredData: calls.StructuredData{"availability": "available"}},
		DataStatus:      calls.DataComplete,
	}
	if changed, err := s.ApplyResult(ctx, pid, final); err != nil || !changed {
		t.Fatalf("expected terminal write, got %v %v", changed, err)
	}

	// A stale progress update and a synthetic wait timeout must both lose.
	for _, late := range []calls.CallResult{
		{CallID: "call-1", Status: calls.StatusInProgress},
		calls.TimeoutResult("call-1", pid, final.ReceivedAt),
	} {
		changed, err := s.ApplyResult(ctx, pid, late)
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if changed {
			t.Fatalf("status %q must not overwrite completed", late.Status)
		}
	}

	p, err = s.GetProvider(ctx, pid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.CallStatus != calls.StatusCompleted || p.DurationSeconds != 61.5 || !p.Cost.Equal(decimal.RequireFromString("0.37")) {
		t.Fatalf("unexpected provider %+v", p)
	}
	if p.Analysis.StructuredData.Availability() != calls.AvailabilityAvailable {
		t.Fatalf("analysis not round-tripped: %+v", p.Analysis)
	}

	// Binding again after the result arrived keeps the terminal status.
	if err := s.BindCall(ctx, pid, "call-1", "direct"); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if p, _ = s.GetProvider(ctx, pid); p.CallStatus != calls.StatusCompleted {
		t.Fatalf("bind must not regress status, got %q", p.CallStatus)
	}
}

func TestRealOutcomeReplacesSyntheticTimeout(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	_, ps := seed(t, s, 1)
	pid := ps[0].ID

	if _, err := s.ApplyResult(ctx, pid, calls.TimeoutResult("call-1", pid, ps[0].UpdatedAt)); err != nil {
		t.Fatalf("timeout write: %v", err)
	}
	changed, err := s.ApplyResult(ctx, pid, calls.CallResult{CallID: "call-1", Status: calls.StatusVoicemail, DataStatus: calls.DataComplete})
	if err != nil || !changed {
		t.Fatalf("late real outcome must replace the synthetic timeout, got %v %v", changed, err)
	}
}

func TestCallIDIsUniqueAcrossProviders(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	_, ps := seed(t, s, 2)

	if err := s.BindCall(ctx, ps[0].ID, "call-x", "direct"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := s.BindCall(ctx, ps[1].ID, "call-x", "direct"); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestFinalOutcomeIsWrittenOnce(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	_, ps := seed(t, s, 1)
	pid := ps[0].ID

	done := calls.CallResult{
		CallID:     "call-1",
		Status:     calls.StatusCompleted,
		DataStatus: calls.DataComplete,
		Analysis:   calls.Analysis{Summary: "quoted 90/h"},
	}
	if changed, err := s.ApplyResult(ctx, pid, done); err != nil || !changed {
		t.Fatalf("expected first outcome written, got %v %v", changed, err)
	}

	changed, err := s.ApplyResult(ctx, pid, calls.CallResult{CallID: "call-1", Status: calls.StatusError, DataStatus: calls.DataComplete})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if changed {
		t.Fatalf("a second final outcome must not replace the first")
	}
	p, err := s.GetProvider(ctx, pid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.CallStatus != calls.StatusCompleted || p.Analysis.Summary != "quoted 90/h" {
		t.Fatalf("expected the first outcome kept, got %q %q", p.CallStatus, p.Analysis.Summary)
	}

	// Equal-rank progress updates still apply.
	_, qs := seed(t, s, 1)
	for _, st := range []calls.Status{calls.StatusInProgress, calls.StatusInProgress} {
		if changed, err := s.ApplyResult(ctx, qs[0].ID, calls.CallResult{CallID: "call-2", Status: st}); err != nil || !changed {
			t.Fatalf("expected progress update applied, got %v %v", changed, err)
		}
	}
}

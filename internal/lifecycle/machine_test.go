package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"provider-scout/internal/audit"
	"provider-scout/internal/batch"
	"provider-scout/internal/calls"
	"provider-scout/internal/routing"
	"provider-scout/internal/scoring"
	"provider-scout/internal/store"
	"provider-scout/internal/store/storetest"
)

// fakeRouter writes the configured outcome for each dispatched provider
// straight into storage, the way the reconciler would.
type fakeRouter struct {
	store    *store.SQLStore
	outcomes map[string]calls.CallResult
	err      error
	got      []calls.CallRequest
	runs     int
}

func (f *fakeRouter) Decide(context.Context) routing.Decision {
	return routing.Decision{Backend: "direct", Reason: routing.ReasonWorkflowDisabled}
}

func (f *fakeRouter) IsDelegated(backend string) bool { return backend == "workflow" }

func (f *fakeRouter) Run(ctx context.Context, _ routing.Decision, reqs []calls.CallRequest) (batch.Report, error) {
	f.runs++
	f.got = reqs
	if f.err != nil {
		return batch.Report{}, f.err
	}
	var results []calls.CallResult
	for _, r := range reqs {
		res, ok := f.outcomes[r.ProviderID]
		if !ok {
			continue
		}
		res.ProviderID = r.ProviderID
		if _, err := f.store.ApplyResult(ctx, r.ProviderID, res); err != nil {
			return batch.Report{}, err
		}
		results = append(results, res)
	}
	return batch.Report{Backend: "direct", Waves: 1, Results: results, Stats: batch.Summarize(len(reqs), results)}, nil
}

type failingScorer struct{}

func (failingScorer) Score(context.Context, scoring.Input) (scoring.Result, error) {
	return scoring.Result{}, scoring.ErrScoringFailed
}

type fixture struct {
	store  *store.SQLStore
	log    *audit.Service
	router *fakeRouter
	req    store.ServiceRequest
	provs  []store.Provider
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	s := storetest.New(t)
	req := store.ServiceRequest{ID: uuid.NewString(), AccountID: "acct", Title: "Plumber", Description: "fix a leak", Criteria: "licensed", Urgency: calls.UrgencyFlexible, Status: string(StatePending)}
	provs := make([]store.Provider, n)
	for i := range provs {
		provs[i] = store.Provider{ID: uuid.NewString(), ExternalRef: uuid.NewString(), Name: "P", Phone: "+16502530000"}
	}
	if err := s.CreateRequest(context.Background(), req, provs); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return &fixture{
		store:  s,
		log:    audit.NewService(audit.NewSQLRepo(s.DB())),
		router: &fakeRouter{store: s, outcomes: map[string]calls.CallResult{}},
		req:    req,
		provs:  provs,
	}
}

func (f *fixture) machine(t *testing.T, sc Scorer) *Machine {
	t.Helper()
	if sc == nil {
		def, err := scoring.New(scoring.DefaultWeights(), 3, nil)
		if err != nil {
			t.Fatalf("scorer: %v", err)
		}
		sc = def
	}
	return New(f.store, f.router, sc, f.log, Config{PollInterval: 10 * time.Millisecond, PollAttempts: 3, ScoringTimeout: time.Second})
}

func (f *fixture) status(t *testing.T) store.ServiceRequest {
	t.Helper()
	sr, err := f.store.GetRequest(context.Background(), f.req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	return sr
}

func (f *fixture) count(t *testing.T, typ audit.EntryType) int {
	t.Helper()
	entries, err := f.log.List(context.Background(), f.req.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func completedWith(sd calls.StructuredData) calls.CallResult {
	return calls.CallResult{CallID: uuid.NewString(), Status: calls.StatusCompleted, DataStatus: calls.DataComplete, DurationSeconds: 45,
		Analysis: calls.Analysis{Summary: "ok", StructuredData: sd, SuccessEvaluation: true}}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(StateCalling, StateAnalyzing) || CanTransition(StateCalling, StateRecommended) {
		t.Fatalf("calling may only move to analyzing")
	}
	if !CanTransition(StateBooking, StateFailed) || CanTransition(StateCompleted, StateFailed) || CanTransition(StateFailed, StatePending) {
		t.Fatalf("unexpected terminal handling")
	}
}

func TestRunRecommendsWhenAllTerminal(t *testing.T) {
	f := newFixture(t, 2)
	f.router.outcomes[f.provs[0].ID] = completedWith(calls.StructuredData{"availability": "available", "criteria_met": []any{"licensed"}})
	f.router.outcomes[f.provs[1].ID] = calls.CallResult{CallID: uuid.NewString(), Status: calls.StatusNoAnswer, DataStatus: calls.DataComplete}

	if err := f.machine(t, nil).Run(context.Background(), f.req.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	sr := f.status(t)
	if sr.Status != string(StateRecommended) || sr.Backend != "direct" {
		t.Fatalf("unexpected request %+v", sr)
	}
	var res scoring.Result
	if err := json.Unmarshal([]byte(sr.Recommendation), &res); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(res.Recommendations) != 1 || res.Recommendations[0].ProviderID != f.provs[0].ID {
		t.Fatalf("unexpected recommendations %+v", res)
	}
	if len(f.router.got) != 2 {
		t.Fatalf("expected both providers dispatched, got %d", len(f.router.got))
	}
	if f.count(t, audit.EntryRecommendation) != 1 {
		t.Fatalf("expected one recommendation entry")
	}
}

func TestRunStaysCallingWhileCallsPending(t *testing.T) {
	f := newFixture(t, 2)
	f.router.outcomes[f.provs[0].ID] = completedWith(calls.StructuredData{"availability": "available"})
	f.router.outcomes[f.provs[1].ID] = calls.CallResult{CallID: "still-ringing", Status: calls.StatusRinging, DataStatus: calls.DataPartial}
	m := f.machine(t, nil)

	err := m.Run(context.Background(), f.req.ID)
	if !errors.Is(err, ErrCallsPending) {
		t.Fatalf("expected ErrCallsPending, got %v", err)
	}
	if got := f.status(t).Status; got != string(StateCalling) {
		t.Fatalf("request must stay CALLING while a call rings, got %s", got)
	}
	if f.count(t, audit.EntryStatusChange) != 2 {
		t.Fatalf("expected only RESEARCHING and CALLING transitions")
	}

	late := calls.CallResult{CallID: "still-ringing", ProviderID: f.provs[1].ID, Status: calls.StatusBusy, DataStatus: calls.DataComplete}
	if _, err := f.store.ApplyResult(context.Background(), f.provs[1].ID, late); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := m.Resume(context.Background(), f.req.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := f.status(t).Status; got != string(StateRecommended) {
		t.Fatalf("expected RECOMMENDED after resume, got %s", got)
	}
}

func TestResumeDialsProvidersAnInterruptedRunMissed(t *testing.T) {
	f := newFixture(t, 2)
	for _, p := range f.provs {
		f.router.outcomes[p.ID] = completedWith(calls.StructuredData{"availability": "available"})
	}
	f.router.err = fmt.Errorf("wave 1: %w", context.DeadlineExceeded)
	m := f.machine(t, nil)

	if err := m.Run(context.Background(), f.req.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	sr := f.status(t)
	if sr.Status != string(StateCalling) || sr.Backend != "direct" {
		t.Fatalf("expected CALLING on direct after the cut, got %s %q", sr.Status, sr.Backend)
	}
	if f.count(t, audit.EntryFailure) != 0 {
		t.Fatalf("an interrupted run must not fail the request")
	}

	f.router.err = nil
	if err := m.Resume(context.Background(), f.req.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if f.router.runs != 2 || len(f.router.got) != 2 {
		t.Fatalf("expected resume to dial both providers, runs=%d got=%d", f.router.runs, len(f.router.got))
	}
	if got := f.status(t).Status; got != string(StateRecommended) {
		t.Fatalf("expected RECOMMENDED, got %s", got)
	}
}

func TestResumeDoesNotRedialDelegatedBatch(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	for _, step := range []struct{ from, to string }{{"PENDING", "RESEARCHING"}, {"RESEARCHING", "CALLING"}} {
		if ok, err := f.store.TransitionRequest(ctx, f.req.ID, step.from, step.to, store.RequestUpdate{}); err != nil || !ok {
			t.Fatalf("seed %s: %v %v", step.to, ok, err)
		}
	}
	wf := "workflow"
	if _, err := f.store.TransitionRequest(ctx, f.req.ID, "CALLING", "CALLING", store.RequestUpdate{Backend: &wf}); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	err := f.machine(t, nil).Resume(ctx, f.req.ID)
	if !errors.Is(err, ErrCallsPending) {
		t.Fatalf("expected ErrCallsPending, got %v", err)
	}
	if f.router.runs != 0 {
		t.Fatalf("providers handed to the workflow engine must not be dialed again")
	}
}

func TestZeroQualifiedIsRecommendedNotFailed(t *testing.T) {
	f := newFixture(t, 2)
	f.router.outcomes[f.provs[0].ID] = calls.CallResult{CallID: uuid.NewString(), Status: calls.StatusVoicemail, DataStatus: calls.DataComplete}
	f.router.outcomes[f.provs[1].ID] = completedWith(calls.StructuredData{"disqualified": true})

	if err := f.machine(t, nil).Run(context.Background(), f.req.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	sr := f.status(t)
	if sr.Status != string(StateRecommended) {
		t.Fatalf("expected RECOMMENDED, got %s", sr.Status)
	}
	var res scoring.Result
	_ = json.Unmarshal([]byte(sr.Recommendation), &res)
	if len(res.Recommendations) != 0 || res.Note == "" {
		t.Fatalf("expected empty list with note, got %+v", res)
	}
}

func TestSubmissionFailureFailsRequest(t *testing.T) {
	f := newFixture(t, 1)
	f.router.err = batch.ErrSubmission

	err := f.machine(t, nil).Run(context.Background(), f.req.ID)
	if !errors.Is(err, batch.ErrSubmission) {
		t.Fatalf("expected submission error, got %v", err)
	}
	sr := f.status(t)
	if sr.Status != string(StateFailed) || sr.FailureReason == "" {
		t.Fatalf("expected FAILED with reason, got %+v", sr)
	}
	if f.count(t, audit.EntryFailure) != 1 {
		t.Fatalf("expected one failure entry")
	}
}

func TestScoringFailureFailsRequest(t *testing.T) {
	f := newFixture(t, 1)
	f.router.outcomes[f.provs[0].ID] = completedWith(calls.StructuredData{"availability": "available"})

	err := f.machine(t, failingScorer{}).Run(context.Background(), f.req.ID)
	if !errors.Is(err, scoring.ErrScoringFailed) {
		t.Fatalf("expected scoring failure, got %v", err)
	}
	if got := f.status(t).Status; got != string(StateFailed) {
		t.Fatalf("expected FAILED, got %s", got)
	}
}

func TestBookAndComplete(t *testing.T) {
	f := newFixture(t, 1)
	f.router.outcomes[f.provs[0].ID] = completedWith(calls.StructuredData{"availability": "available"})
	m := f.machine(t, nil)
	ctx := context.Background()
	if err := m.Run(ctx, f.req.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if err := m.Complete(ctx, f.req.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete before booking must be rejected, got %v", err)
	}
	if err := m.Book(ctx, f.req.ID, uuid.NewString()); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if err := m.Book(ctx, f.req.ID, f.provs[0].ID); err != nil {
		t.Fatalf("book: %v", err)
	}
	if err := m.Complete(ctx, f.req.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	sr := f.status(t)
	if sr.Status != string(StateCompleted) || sr.SelectedProviderID != f.provs[0].ID {
		t.Fatalf("unexpected request %+v", sr)
	}
	if err := m.Fail(ctx, f.req.ID, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal request must not fail again, got %v", err)
	}
}

func TestRunRejectsFinishedRequest(t *testing.T) {
	f := newFixture(t, 1)
	f.router.err = batch.ErrSubmission
	m := f.machine(t, nil)
	_ = m.Run(context.Background(), f.req.ID)
	if err := m.Run(context.Background(), f.req.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

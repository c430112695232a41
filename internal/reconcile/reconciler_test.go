package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"provider-scout/internal/audit"
	"provider-scout/internal/calls"
	"provider-scout/internal/store"
	"provider-scout/internal/store/storetest"
)

type fixture struct {
	store *store.SQLStore
	log   *audit.Service
	rec   *Reconciler
	req   store.ServiceRequest
	prov  store.Provider
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := storetest.New(t)
	req := store.ServiceRequest{ID: uuid.NewString(), AccountID: "a", Title: "t", Description: "d", Urgency: calls.UrgencyFlexible, Status: "CALLING"}
	prov := store.Provider{ID: uuid.NewString(), ExternalRef: "place-1", Name: "Ace", Phone: "+16502530000"}
	if err := s.CreateRequest(context.Background(), req, []store.Provider{prov}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	log := audit.NewService(audit.NewSQLRepo(s.DB()))
	return fixture{store: s, log: log, rec: New(s, log), req: req, prov: prov}
}

func (f fixture) callRequest() calls.CallRequest {
	return calls.CallRequest{RequestID: f.req.ID, ProviderID: f.prov.ID}
}

func (f fixture) entries(t *testing.T, typ audit.EntryType) []audit.Entry {
	t.Helper()
	all, err := f.log.List(context.Background(), f.req.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var out []audit.Entry
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestPushAndPollRaceConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.rec.RecordStarted(ctx, f.callRequest(), "call-1", "direct"); err != nil {
		t.Fatalf("record started: %v", err)
	}

	// The push carries provider metadata; the poll result only the call id.
	pushed := calls.CallResult{CallID: "call-1", ProviderID: f.prov.ID, Status: calls.StatusCompleted, DataStatus: calls.DataComplete, DurationSeconds: 42}
	polled := calls.CallResult{CallID: "call-1", Status: calls.StatusCompleted, DataStatus: calls.DataComplete, DurationSeconds: 42}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			if err := f.rec.Persist(ctx, pushed); err != nil {
				t.Errorf("push persist: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			if err := f.rec.Persist(ctx, polled); err != nil {
				t.Errorf("poll persist: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	got := f.entries(t, audit.EntryCallResult)
	if len(got) != 1 {
		t.Fatalf("expected exactly one call_result entry, got %d", len(got))
	}
	if len(f.entries(t, audit.EntryCallStarted)) != 1 {
		t.Fatalf("expected one call_started entry")
	}
	p, err := f.store.GetProvider(ctx, f.prov.ID)
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	if p.CallStatus != calls.StatusCompleted || p.CallID != "call-1" {
		t.Fatalf("unexpected provider state %+v", p)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.rec.RecordStarted(ctx, f.callRequest(), "call-1", "direct")

	seq := []calls.Status{calls.StatusInProgress, calls.StatusBusy, calls.StatusRinging, calls.StatusInProgress}
	for _, st := range seq {
		if err := f.rec.Persist(ctx, calls.CallResult{CallID: "call-1", Status: st}); err != nil {
			t.Fatalf("persist %q: %v", st, err)
		}
	}
	p, _ := f.store.GetProvider(ctx, f.prov.ID)
	if p.CallStatus != calls.StatusBusy {
		t.Fatalf("expected busy to stick, got %q", p.CallStatus)
	}
}

func TestLateRealOutcomeAfterWaitTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.rec.RecordStarted(ctx, f.callRequest(), "call-1", "direct")

	if err := f.rec.Persist(ctx, calls.TimeoutResult("call-1", f.prov.ID, time.Now())); err != nil {
		t.Fatalf("persist timeout: %v", err)
	}
	if err := f.rec.Persist(ctx, calls.CallResult{CallID: "call-1", Status: calls.StatusCompleted, DataStatus: calls.DataComplete}); err != nil {
		t.Fatalf("persist late result: %v", err)
	}

	p, _ := f.store.GetProvider(ctx, f.prov.ID)
	if p.CallStatus != calls.StatusCompleted {
		t.Fatalf("expected completed, got %q", p.CallStatus)
	}
	entries := f.entries(t, audit.EntryCallResult)
	if len(entries) != 2 {
		t.Fatalf("expected timeout and real outcome entries, got %d", len(entries))
	}
}

func TestUnknownCallIsDropped(t *testing.T) {
	f := newFixture(t)
	if err := f.rec.Persist(context.Background(), calls.CallResult{CallID: "stray", Status: calls.StatusCompleted}); err != nil {
		t.Fatalf("expected unknown call to be dropped, got %v", err)
	}
	if len(f.entries(t, audit.EntryCallResult)) != 0 {
		t.Fatalf("unknown call must not be logged")
	}
}

func TestPersistWaveStampsBackend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := []calls.CallResult{{CallID: "wf-1", ProviderID: f.prov.ID, Status: calls.StatusNoAnswer, DataStatus: calls.DataComplete}}
	if err := f.rec.PersistWave(ctx, "workflow", nil, res); err != nil {
		t.Fatalf("persist wave: %v", err)
	}
	p, _ := f.store.GetProvider(ctx, f.prov.ID)
	if p.Backend != "workflow" || p.CallStatus != calls.StatusNoAnswer || p.CallID != "wf-1" {
		t.Fatalf("unexpected provider %+v", p)
	}
}

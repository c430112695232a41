package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"provider-scout/internal/audit"
	"provider-scout/internal/batch"
	"provider-scout/internal/calls"
	"provider-scout/internal/poll"
	"provider-scout/internal/routing"
	"provider-scout/internal/scoring"
	"provider-scout/internal/store"
	"provider-scout/pkg/logger"
)

type Store interface {
	GetRequest(ctx context.Context, id string) (store.ServiceRequest, error)
	ListProviders(ctx context.Context, requestID string) ([]store.Provider, error)
	TransitionRequest(ctx context.Context, id, from, to string, u store.RequestUpdate) (bool, error)
}

type Dispatcher interface {
	Decide(ctx context.Context) routing.Decision
	Run(ctx context.Context, d routing.Decision, reqs []calls.CallRequest) (batch.Report, error)
	IsDelegated(backend string) bool
}

type Scorer interface {
	Score(ctx context.Context, in scoring.Input) (scoring.Result, error)
}

type Config struct {
	// Completion loop: re-read provider statuses every PollInterval, at most
	// PollAttempts times.
	PollInterval time.Duration
	PollAttempts int

	ScoringTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 15
	}
	if c.ScoringTimeout <= 0 {
		c.ScoringTimeout = time.Minute
	}
	return c
}

type Machine struct {
	store  Store
	router Dispatcher
	scorer Scorer
	log    *audit.Service
	cfg    Config
}

func New(s Store, router Dispatcher, scorer Scorer, log *audit.Service, cfg Config) *Machine {
	return &Machine{store: s, router: router, scorer: scorer, log: log, cfg: cfg.withDefaults()}
}

// Run takes a PENDING (or interrupted RESEARCHING) request through calling
// and analysis. It returns ErrCallsPending when calls outlive the completion
// loop; Resume picks the request up again later.
func (m *Machine) Run(ctx context.Context, id string) error {
	ctx = withRequest(ctx, id)
	sr, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}

	switch State(sr.Status) {
	case StatePending:
		if err := m.transition(ctx, &sr, StateResearching, store.RequestUpdate{}); err != nil {
			return err
		}
	case StateResearching:
	case StateCalling, StateAnalyzing:
		return m.Resume(ctx, id)
	default:
		return fmt.Errorf("%w: cannot run request in %s", ErrInvalidTransition, sr.Status)
	}

	providers, err := m.store.ListProviders(ctx, sr.ID)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		return m.fail(ctx, &sr, ErrNoProviders.Error(), ErrNoProviders)
	}

	if err := m.transition(ctx, &sr, StateCalling, store.RequestUpdate{}); err != nil {
		return err
	}

	if err := m.dispatch(ctx, &sr, providers); err != nil {
		return err
	}
	return m.settle(ctx, &sr)
}

// Resume continues a request left in CALLING or ANALYZING. Providers a cut
// off run never dialed are dispatched first, unless the batch went to the
// workflow engine, which may have dialed them already.
func (m *Machine) Resume(ctx context.Context, id string) error {
	ctx = withRequest(ctx, id)
	sr, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	switch State(sr.Status) {
	case StateCalling:
		if !m.router.IsDelegated(sr.Backend) {
			providers, err := m.store.ListProviders(ctx, sr.ID)
			if err != nil {
				return err
			}
			if err := m.dispatch(ctx, &sr, providers); err != nil {
				return err
			}
		}
		return m.settle(ctx, &sr)
	case StateAnalyzing:
		return m.analyze(ctx, &sr)
	default:
		return fmt.Errorf("%w: cannot resume request in %s", ErrInvalidTransition, sr.Status)
	}
}

// dispatch places calls to the providers not dialed yet. The backend is
// recorded before the batch runs.
func (m *Machine) dispatch(ctx context.Context, sr *store.ServiceRequest, providers []store.Provider) error {
	reqs := make([]calls.CallRequest, 0, len(providers))
	for _, p := range providers {
		if p.CallStatus == calls.StatusQueued && p.CallID == "" {
			reqs = append(reqs, p.CallRequest(*sr))
		}
	}
	if len(reqs) == 0 {
		return nil
	}

	decision := m.router.Decide(ctx)
	backend := decision.Backend
	if _, err := m.store.TransitionRequest(ctx, sr.ID, string(StateCalling), string(StateCalling), store.RequestUpdate{Backend: &backend}); err != nil {
		logger.From(ctx).Warn("request_backend_not_recorded", "err", err)
	} else {
		sr.Backend = backend
	}

	rep, err := m.router.Run(ctx, decision, reqs)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.From(ctx).Warn("batch_interrupted", "backend", backend, "calls", len(reqs), "err", err)
			return err
		}
		return m.fail(ctx, sr, "dispatch: "+err.Error(), err)
	}
	logger.From(ctx).Info("batch_dispatched",
		"backend", decision.Backend,
		"reason", decision.Reason,
		"calls", len(reqs),
		"completed", rep.Stats.Completed,
		"pending", rep.Stats.Pending,
	)
	return nil
}

// settle waits for every provider to reach a terminal call status and only
// then moves on to analysis.
func (m *Machine) settle(ctx context.Context, sr *store.ServiceRequest) error {
	var pending int
	err := poll.Until(ctx, poll.Policy{Interval: m.cfg.PollInterval, MaxAttempts: m.cfg.PollAttempts}, func(ctx context.Context) (bool, error) {
		providers, err := m.store.ListProviders(ctx, sr.ID)
		if err != nil {
			return false, err
		}
		pending = countPending(providers)
		return pending == 0, nil
	})
	switch {
	case err == nil:
		return m.analyze(ctx, sr)
	case errors.Is(err, poll.ErrExhausted):
		logger.From(ctx).Warn("calls_pending_at_ceiling", "pending", pending, "attempts", m.cfg.PollAttempts)
		return fmt.Errorf("%w: %d of request %s", ErrCallsPending, pending, sr.ID)
	default:
		return err
	}
}

func countPending(providers []store.Provider) int {
	n := 0
	for _, p := range providers {
		if !p.CallStatus.IsTerminal() {
			n++
		}
	}
	return n
}

func (m *Machine) analyze(ctx context.Context, sr *store.ServiceRequest) error {
	if State(sr.Status) == StateCalling {
		if err := m.transition(ctx, sr, StateAnalyzing, store.RequestUpdate{}); err != nil {
			return err
		}
	}

	providers, err := m.store.ListProviders(ctx, sr.ID)
	if err != nil {
		return err
	}
	cands := make([]scoring.Candidate, 0, len(providers))
	for _, p := range providers {
		cands = append(cands, scoring.Candidate{ProviderID: p.ID, ProviderName: p.Name, Order: p.Position, Result: p.Result()})
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.ScoringTimeout)
	res, err := m.scorer.Score(sctx, scoring.Input{Candidates: cands, Criteria: sr.Criteria, Urgency: sr.Urgency})
	cancel()
	if err != nil {
		return m.fail(ctx, sr, "scoring: "+err.Error(), err)
	}

	snapshot, err := json.Marshal(res)
	if err != nil {
		return m.fail(ctx, sr, "scoring: encode result", err)
	}
	rec := string(snapshot)
	if err := m.transition(ctx, sr, StateRecommended, store.RequestUpdate{Recommendation: &rec}); err != nil {
		return err
	}
	if m.log != nil {
		msg := fmt.Sprintf("%d recommendations from %d qualified providers", len(res.Recommendations), res.Qualified)
		if res.Note != "" {
			msg = res.Note
		}
		if _, err := m.log.LogRequestEvent(ctx, sr.ID, audit.EntryRecommendation, "recommendation", msg, rec); err != nil {
			logger.From(ctx).Warn("audit_append_failed", "err", err)
		}
	}
	return nil
}

// Book selects one of the request's providers.
func (m *Machine) Book(ctx context.Context, id, providerID string) error {
	ctx = withRequest(ctx, id)
	sr, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	providers, err := m.store.ListProviders(ctx, id)
	if err != nil {
		return err
	}
	found := false
	for _, p := range providers {
		if p.ID == providerID {
			found = true
			break
		}
	}
	if !found {
		return ErrUnknownProvider
	}
	return m.transition(ctx, &sr, StateBooking, store.RequestUpdate{SelectedProviderID: &providerID})
}

func (m *Machine) Complete(ctx context.Context, id string) error {
	ctx = withRequest(ctx, id)
	sr, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	return m.transition(ctx, &sr, StateCompleted, store.RequestUpdate{})
}

// Fail moves a non-terminal request to FAILED with reason.
func (m *Machine) Fail(ctx context.Context, id, reason string) error {
	ctx = withRequest(ctx, id)
	sr, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	return m.fail(ctx, &sr, reason, nil)
}

// fail records the failure and returns cause (or nil when cause is nil and
// the transition succeeded).
func (m *Machine) fail(ctx context.Context, sr *store.ServiceRequest, reason string, cause error) error {
	if err := m.transition(ctx, sr, StateFailed, store.RequestUpdate{FailureReason: &reason}); err != nil {
		if cause != nil {
			return errors.Join(cause, err)
		}
		return err
	}
	logger.From(ctx).Error("request_failed", "reason", reason)
	if m.log != nil {
		if _, err := m.log.LogRequestEvent(ctx, sr.ID, audit.EntryFailure, "failure", reason, ""); err != nil {
			logger.From(ctx).Warn("audit_append_failed", "err", err)
		}
	}
	return cause
}

func (m *Machine) transition(ctx context.Context, sr *store.ServiceRequest, to State, u store.RequestUpdate) error {
	from := State(sr.Status)
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	ok, err := m.store.TransitionRequest(ctx, sr.ID, string(from), string(to), u)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, from, to)
	}
	sr.Status = string(to)
	logger.From(ctx).Info("request_status_changed", "from", string(from), "to", string(to))
	if m.log != nil && to != StateFailed {
		if _, err := m.log.LogRequestEvent(ctx, sr.ID, audit.EntryStatusChange, "status:"+string(to), fmt.Sprintf("%s -> %s", from, to), ""); err != nil {
			logger.From(ctx).Warn("audit_append_failed", "err", err)
		}
	}
	return nil
}

func withRequest(ctx context.Context, id string) context.Context {
	return logger.WithAttrs(ctx, "request_id", id)
}

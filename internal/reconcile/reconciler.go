// Package reconcile persists call results arriving from any delivery path
// (push, polling, workflow outputs) exactly once.
//
// Idempotency lives in storage: provider status updates are conditional on
// the status rank and interaction log inserts are insert-or-ignore on the call
// id. Nothing here reads before writing to decide whether to write.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"provider-scout/internal/audit"
	"provider-scout/internal/calls"
	"provider-scout/internal/store"
	"provider-scout/pkg/logger"
)

type ProviderStore interface {
	GetProvider(ctx context.Context, id string) (store.Provider, error)
	ProviderByCallID(ctx context.Context, callID string) (store.Provider, error)
	BindCall(ctx context.Context, providerID, callID, backend string) error
	ApplyResult(ctx context.Context, providerID string, r calls.CallResult) (bool, error)
}

var ErrInvalidResult = errors.New("reconcile: invalid result")

type Reconciler struct {
	providers ProviderStore
	log       *audit.Service
}

func New(providers ProviderStore, log *audit.Service) *Reconciler {
	return &Reconciler{providers: providers, log: log}
}

// Persist applies r to its provider and logs terminal results once.
// Results for calls this service does not know are dropped with a warning.
func (rc *Reconciler) Persist(ctx context.Context, r calls.CallResult) error {
	if r.CallID == "" || !r.Status.Valid() {
		return fmt.Errorf("%w: call %q status %q", ErrInvalidResult, r.CallID, r.Status)
	}
	log := logger.From(ctx).With("call_id", r.CallID, "status", string(r.Status))

	p, err := rc.resolve(ctx, r)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("reconcile_unknown_call", "provider_id", r.ProviderID)
		return nil
	}
	if err != nil {
		return err
	}
	r.ProviderID = p.ID
	log = log.With("provider_id", p.ID, "request_id", p.RequestID)

	changed, err := rc.providers.ApplyResult(ctx, p.ID, r)
	if err != nil {
		log.Error("reconcile_apply_failed", "err", err)
		return err
	}
	if !changed {
		log.Debug("reconcile_stale_result", "stored_status", string(p.CallStatus))
		return nil
	}
	if !r.Status.IsTerminal() || rc.log == nil {
		return nil
	}

	inserted, err := rc.logResult(ctx, p.RequestID, r)
	if err != nil {
		log.Error("reconcile_log_failed", "err", err)
		return err
	}
	if inserted {
		log.Info("call_result_recorded", "backend", r.Backend)
	}
	return nil
}

// logResult keys a synthetic wait timeout apart from the call id so the real
// outcome, when it shows up later, still gets its entry.
func (rc *Reconciler) logResult(ctx context.Context, requestID string, r calls.CallResult) (bool, error) {
	if r.EndedReason == calls.EndedReasonWaitTimeout {
		return rc.log.Append(ctx, audit.Entry{
			RequestID:  requestID,
			ProviderID: r.ProviderID,
			CallID:     r.CallID,
			Type:       audit.EntryCallResult,
			DedupeKey:  r.CallID + ":" + calls.EndedReasonWaitTimeout,
			Message:    "stopped waiting for call result",
		})
	}
	return rc.log.LogCallResult(ctx, requestID, r)
}

func (rc *Reconciler) resolve(ctx context.Context, r calls.CallResult) (store.Provider, error) {
	if r.ProviderID != "" {
		p, err := rc.providers.GetProvider(ctx, r.ProviderID)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return p, err
		}
	}
	return rc.providers.ProviderByCallID(ctx, r.CallID)
}

// RecordStarted binds a freshly created call to its provider before any
// result for it can be persisted.
func (rc *Reconciler) RecordStarted(ctx context.Context, req calls.CallRequest, callID, backend string) error {
	if err := rc.providers.BindCall(ctx, req.ProviderID, callID, backend); err != nil {
		return fmt.Errorf("bind call %s: %w", callID, err)
	}
	if rc.log == nil {
		return nil
	}
	_, err := rc.log.LogCallStarted(ctx, req.RequestID, req.ProviderID, callID, backend)
	return err
}

// PersistWave persists every result of a finished wave and reports all
// failures together.
func (rc *Reconciler) PersistWave(ctx context.Context, backend string, _ []calls.CallRequest, results []calls.CallResult) error {
	var errs []error
	for _, r := range results {
		if r.Backend == "" {
			r.Backend = backend
		}
		if err := rc.Persist(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

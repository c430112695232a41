package telephony

import (
	"context"
	"errors"
	"time"

	"provider-scout/internal/calls"
	"provider-scout/internal/poll"
	"provider-scout/internal/resultcache"
	"provider-scout/pkg/logger"
)

// DirectConfig bounds one direct call attempt.
type DirectConfig struct {
	// CacheInterval is the tick of the cache-wait loop.
	CacheInterval time.Duration
	// MissThreshold is how many consecutive empty cache reads, with nothing
	// ever observed for the call, switch the client to polling the platform.
	MissThreshold int
	// PollInterval is the coarser tick of the platform polling fallback.
	PollInterval time.Duration
	// Ceiling is the hard upper bound on one PlaceCall, waiting for a call
	// slot included.
	Ceiling time.Duration
}

func (c DirectConfig) withDefaults() DirectConfig {
	out := c
	if out.CacheInterval <= 0 {
		out.CacheInterval = 2 * time.Second
	}
	if out.MissThreshold <= 0 {
		out.MissThreshold = 15
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.Ceiling <= 0 {
		out.Ceiling = 5 * time.Minute
	}
	return out
}

// StartedFunc is invoked once the platform has accepted a call and before
// any result is awaited, so push deliveries can be matched to the provider.
type StartedFunc func(ctx context.Context, req calls.CallRequest, callID string) error

// DirectClient places one call against the platform and waits for its
// result, racing push delivery (through the cache) against polling.
type DirectClient struct {
	platform Platform
	cache    *resultcache.Cache
	slots    *CallSlots
	cfg      DirectConfig

	OnStarted StartedFunc

	now func() time.Time
}

func NewDirectClient(p Platform, cache *resultcache.Cache, slots *CallSlots, cfg DirectConfig) *DirectClient {
	return &DirectClient{
		platform: p,
		cache:    cache,
		slots:    slots,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

var errNoWebhook = errors.New("telephony: no push delivery observed")

// PlaceCall creates the call and returns its result. It returns an error only
// when the call could not be created; every placed call yields a CallResult,
// a synthetic timeout one if nothing terminal arrived before the ceiling.
func (d *DirectClient) PlaceCall(ctx context.Context, req calls.CallRequest) (calls.CallResult, error) {
	log := logger.From(ctx).With("provider_id", req.ProviderID, "backend", BackendDirect)

	if err := req.Validate(); err != nil {
		log.Warn("call_request_invalid", "err", err)
		return calls.CallResult{}, err
	}

	deadline := d.now().Add(d.cfg.Ceiling)
	if d.slots != nil {
		sctx, cancel := context.WithDeadline(ctx, deadline)
		release, err := d.slots.Acquire(sctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return calls.CallResult{}, ctx.Err()
			}
			if sctx.Err() != nil {
				return calls.CallResult{}, ErrNoCallSlot
			}
			return calls.CallResult{}, err
		}
		defer release()
	}

	callID, err := d.platform.CreateCall(ctx, req)
	if err != nil {
		log.Warn("call_create_failed", "err", err)
		return calls.CallResult{}, err
	}
	log = log.With("call_id", callID)
	log.Info("call_created")

	if d.OnStarted != nil {
		if err := d.OnStarted(ctx, req, callID); err != nil {
			// Pushes still carry provider_id in metadata, so the wait goes on.
			log.Warn("call_started_hook_failed", "err", err)
		}
	}

	res, ok, err := d.await(ctx, callID, deadline)
	if err != nil && ctx.Err() != nil {
		return calls.CallResult{}, ctx.Err()
	}
	if !ok {
		log.Warn("call_wait_timeout", "ceiling", d.cfg.Ceiling.String())
		return d.finish(calls.TimeoutResult(callID, req.ProviderID, d.now().UTC()), req), nil
	}
	return d.finish(res, req), nil
}

func (d *DirectClient) finish(r calls.CallResult, req calls.CallRequest) calls.CallResult {
	if r.ProviderID == "" {
		r.ProviderID = req.ProviderID
	}
	r.Backend = BackendDirect
	return r
}

func (d *DirectClient) await(ctx context.Context, callID string, deadline time.Time) (calls.CallResult, bool, error) {
	var (
		found  calls.CallResult
		misses int
		seen   bool
	)

	fromCache := func() bool {
		r, ok := d.cache.Get(callID)
		if !ok {
			misses++
			return false
		}
		seen = true
		misses = 0
		if r.Complete() {
			found = r
			return true
		}
		return false
	}

	err := poll.Until(ctx, poll.Policy{Interval: d.cfg.CacheInterval, Timeout: time.Until(deadline)}, func(context.Context) (bool, error) {
		if fromCache() {
			return true, nil
		}
		if !seen && misses > d.cfg.MissThreshold {
			return false, errNoWebhook
		}
		return false, nil
	})
	switch {
	case err == nil:
		return found, true, nil
	case errors.Is(err, errNoWebhook):
	default:
		return calls.CallResult{}, false, err
	}

	log := logger.From(ctx).With("call_id", callID)
	log.Info("call_poll_fallback", "misses", misses)

	err = poll.Until(ctx, poll.Policy{Interval: d.cfg.PollInterval, Timeout: time.Until(deadline)}, func(pctx context.Context) (bool, error) {
		// A late push still wins over the next poll.
		if fromCache() {
			return true, nil
		}
		r, err := d.platform.GetCall(pctx, callID)
		if err != nil {
			if pctx.Err() == nil {
				log.Warn("call_poll_failed", "err", err)
			}
			return false, nil
		}
		if r.Status.IsTerminal() {
			r.DataStatus = calls.DataComplete
		}
		d.cache.Put(callID, r)
		if r.Complete() {
			found = r
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return calls.CallResult{}, false, err
	}
	return found, true, nil
}

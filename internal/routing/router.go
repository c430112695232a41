package routing

import (
	"context"
	"errors"
	"time"

	"provider-scout/internal/batch"
	"provider-scout/internal/calls"
	"provider-scout/pkg/logger"
)

const DefaultProbeTimeout = 3 * time.Second

var ErrNoBackend = errors.New("routing: no backend configured")

// WorkflowBackend is a delegated backend that can report its own health.
type WorkflowBackend interface {
	batch.Backend
	HealthCheck(ctx context.Context) error
}

// Health is the outcome of one probe; injected by tests through DecideWith.
type Health struct {
	Healthy bool
	Err     error
}

type Router struct {
	workflow WorkflowBackend
	direct   batch.Backend
	batcher  *batch.Batcher

	enabled      bool
	probeTimeout time.Duration
}

type Options struct {
	WorkflowEnabled bool
	ProbeTimeout    time.Duration
}

func New(workflow WorkflowBackend, direct batch.Backend, batcher *batch.Batcher, opts Options) *Router {
	if opts.ProbeTimeout <= 0 || opts.ProbeTimeout > DefaultProbeTimeout {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	return &Router{
		workflow:     workflow,
		direct:       direct,
		batcher:      batcher,
		enabled:      opts.WorkflowEnabled && workflow != nil,
		probeTimeout: opts.ProbeTimeout,
	}
}

// Decide probes the workflow engine once, and only when it is enabled.
func (r *Router) Decide(ctx context.Context) Decision {
	if !r.enabled {
		return r.DecideWith(Health{})
	}
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	err := r.workflow.HealthCheck(pctx)
	if err != nil {
		logger.From(ctx).Warn("workflow_probe_failed", "err", err)
	}
	return r.DecideWith(Health{Healthy: err == nil, Err: err})
}

func (r *Router) DecideWith(h Health) Decision {
	switch {
	case !r.enabled:
		return Decision{Backend: r.directName(), Reason: ReasonWorkflowDisabled}
	case h.Healthy:
		return Decision{Backend: r.workflow.Name(), Healthy: true, Reason: ReasonWorkflowHealthy}
	default:
		return Decision{Backend: r.directName(), Reason: ReasonWorkflowUnhealthy}
	}
}

// Dispatch runs the whole batch on the backend chosen by a single decision.
// A rejected submission is returned as is; the other backend is not tried.
func (r *Router) Dispatch(ctx context.Context, reqs []calls.CallRequest) (Decision, batch.Report, error) {
	d := r.Decide(ctx)
	rep, err := r.Run(ctx, d, reqs)
	return d, rep, err
}

// Run executes the batch on the backend named by an earlier decision, so a
// caller can record the choice before any call is placed.
func (r *Router) Run(ctx context.Context, d Decision, reqs []calls.CallRequest) (batch.Report, error) {
	backend := r.backend(d)
	if backend == nil {
		return batch.Report{}, ErrNoBackend
	}
	logger.From(ctx).Info("batch_dispatch", "backend", d.Backend, "reason", d.Reason, "calls", len(reqs))
	return r.batcher.Run(ctx, backend, reqs)
}

// IsDelegated reports whether backend hands whole batches to the workflow
// engine. Calls of an interrupted delegated batch may already be placed.
func (r *Router) IsDelegated(backend string) bool {
	return r.workflow != nil && backend != "" && backend == r.workflow.Name()
}

func (r *Router) backend(d Decision) batch.Backend {
	if r.workflow != nil && d.Backend == r.workflow.Name() && d.Healthy {
		return r.workflow
	}
	return r.direct
}

func (r *Router) directName() string {
	if r.direct == nil {
		return ""
	}
	return r.direct.Name()
}

package workflow

import (
	"context"
	"time"

	"provider-scout/internal/calls"
	"provider-scout/pkg/logger"
)

// Backend runs a batch through the workflow engine. Fan-out happens inside
// the engine, so the batcher hands it the whole batch as one wave.
type Backend struct {
	client      *Client
	pollTimeout time.Duration
}

func NewBackend(c *Client, pollTimeout time.Duration) *Backend {
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Minute
	}
	return &Backend{client: c, pollTimeout: pollTimeout}
}

func (b *Backend) Name() string    { return BackendWorkflow }
func (b *Backend) Delegated() bool { return true }

func (b *Backend) HealthCheck(ctx context.Context) error { return b.client.HealthCheck(ctx) }

// RunWave triggers one execution and waits for it. Results are returned only
// for requests in reqs; providers the engine said nothing about stay pending
// so late pushes can still settle them.
func (b *Backend) RunWave(ctx context.Context, reqs []calls.CallRequest) ([]calls.CallResult, error) {
	log := logger.From(ctx).With("backend", BackendWorkflow)

	id, err := b.client.Trigger(ctx, reqs)
	if err != nil {
		log.Error("workflow_trigger_failed", "err", err, "calls", len(reqs))
		return nil, err
	}
	log = log.With("execution_id", id)
	log.Info("workflow_triggered", "calls", len(reqs))

	out, err := b.client.Poll(logger.With(ctx, log), id, b.pollTimeout)
	if err != nil {
		return nil, err
	}

	want := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		want[r.ProviderID] = struct{}{}
	}
	results := make([]calls.CallResult, 0, len(out.Results))
	for _, r := range out.Results {
		if _, ok := want[r.ProviderID]; ok {
			results = append(results, r)
		}
	}

	if out.TimedOut {
		log.Warn("workflow_poll_timeout", "state", out.State, "results", len(results))
		return results, nil
	}
	if err := out.Classify(len(reqs)); err != nil {
		log.Error("workflow_total_failure", "state", out.State, "err", err)
		return results, err
	}
	log.Info("workflow_finished", "state", out.State, "results", len(results), "completed", out.Completed())
	return results, nil
}

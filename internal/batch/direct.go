package batch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"provider-scout/internal/calls"
	"provider-scout/pkg/logger"
)

// Placer places one call and waits for its result.
type Placer interface {
	PlaceCall(ctx context.Context, req calls.CallRequest) (calls.CallResult, error)
}

// DirectBackend dials every call of a wave concurrently. The wave ends when
// its slowest call ends.
type DirectBackend struct {
	placer Placer
	now    func() time.Time

	// Systemic reports placement errors that will fail every further call
	// too (quota, credentials). Nil treats every placement error as per call.
	Systemic func(error) bool
}

func NewDirectBackend(p Placer) *DirectBackend {
	return &DirectBackend{placer: p, now: time.Now}
}

func (d *DirectBackend) Name() string    { return "direct" }
func (d *DirectBackend) Delegated() bool { return false }

// RunWave never fails because some calls failed: calls that could not be
// placed come back as unplaced error results. It fails only on a systemic
// placement error, which stops the batch.
func (d *DirectBackend) RunWave(ctx context.Context, reqs []calls.CallRequest) ([]calls.CallResult, error) {
	results := make([]calls.CallResult, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			r, err := d.placer.PlaceCall(ctx, req)
			if err != nil {
				errs[i] = err
				results[i] = calls.UnplacedResult(req, err, d.now().UTC())
				results[i].Backend = d.Name()
				return nil
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	for _, err := range errs {
		if err != nil && d.Systemic != nil && d.Systemic(err) {
			logger.From(ctx).Error("direct_wave_systemic_failure", "calls", len(reqs), "err", err)
			return results, fmt.Errorf("call placement stopped: %w", err)
		}
	}
	return results, nil
}

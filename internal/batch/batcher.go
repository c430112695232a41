// Package batch runs call attempts in concurrency-limited waves.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"provider-scout/internal/calls"
	"provider-scout/pkg/logger"
)

const DefaultLimit = 5

type Batcher struct {
	limit int
	sink  Sink
}

func New(limit int, sink Sink) *Batcher {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Batcher{limit: limit, sink: sink}
}

func (b *Batcher) Limit() int { return b.limit }

// Waves partitions reqs into consecutive groups of at most limit.
func Waves(reqs []calls.CallRequest, limit int) [][]calls.CallRequest {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var out [][]calls.CallRequest
	for start := 0; start < len(reqs); start += limit {
		end := start + limit
		if end > len(reqs) {
			end = len(reqs)
		}
		out = append(out, reqs[start:end])
	}
	return out
}

// Run executes reqs on one backend. A wave starts only after the previous
// one fully finished. Each wave's results are handed to the sink before the
// next wave starts. A backend error stops the batch and is returned wrapped
// in ErrSubmission together with the report of what did run. A batch where
// not a single call was placed is a submission failure too; calls that
// could not be placed next to placed ones are per-call failures.
func (b *Batcher) Run(ctx context.Context, backend Backend, reqs []calls.CallRequest) (Report, error) {
	log := logger.From(ctx).With("backend", backend.Name())
	rep := Report{Backend: backend.Name()}

	waves := Waves(reqs, b.limit)
	if backend.Delegated() && len(reqs) > 0 {
		waves = [][]calls.CallRequest{reqs}
	}

	var runErr error
	for i, wave := range waves {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		start := time.Now()
		results, err := backend.RunWave(ctx, wave)
		rep.Waves++
		rep.Results = append(rep.Results, results...)

		log.Info("batch_wave_finished",
			"wave", i+1,
			"waves", len(waves),
			"size", len(wave),
			"results", len(results),
			"duration_ms", time.Since(start).Milliseconds(),
		)

		if b.sink != nil && len(results) > 0 {
			if perr := b.sink.PersistWave(ctx, backend.Name(), wave, results); perr != nil {
				// Results stay recoverable: pushes and re-checks persist them again.
				log.Error("batch_persist_failed", "wave", i+1, "err", perr)
			}
		}

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				runErr = err
			} else {
				runErr = fmt.Errorf("%w: %w", ErrSubmission, err)
			}
			break
		}
	}

	if runErr == nil && !backend.Delegated() && len(reqs) > 0 {
		if reason, none := nonePlaced(rep.Results); none {
			log.Error("batch_unplaced", "calls", len(reqs), "reason", reason)
			runErr = fmt.Errorf("%w: no call of %d could be placed: %s", ErrSubmission, len(reqs), reason)
		}
	}

	rep.Stats = Summarize(len(reqs), rep.Results)
	return rep, runErr
}

// nonePlaced reports whether every result stands for an unplaced call, with
// the first failure reason.
func nonePlaced(results []calls.CallResult) (string, bool) {
	if len(results) == 0 {
		return "", false
	}
	reason := ""
	for _, r := range results {
		if !r.IsUnplaced() {
			return "", false
		}
		if reason == "" {
			reason = r.EndedReason
		}
	}
	return reason, true
}

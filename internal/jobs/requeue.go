package jobs

import (
	"context"
	"time"

	"provider-scout/internal/lifecycle"
	"provider-scout/internal/store"
	"provider-scout/pkg/logger"
)

type StaleLister interface {
	ListRequestsByStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]store.ServiceRequest, error)
}

type Enqueuer interface {
	Scheduler
	EnqueueProcess(ctx context.Context, requestID string) error
}

// RequeueStale re-enqueues requests that stopped moving, e.g. after a
// process restart. Requests never started get a process task; requests
// caught mid-flight get a re-check.
func RequeueStale(ctx context.Context, l StaleLister, q Enqueuer, olderThan time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-olderThan)
	n := 0
	for _, st := range []lifecycle.State{lifecycle.StatePending, lifecycle.StateResearching, lifecycle.StateCalling, lifecycle.StateAnalyzing} {
		reqs, err := l.ListRequestsByStatus(ctx, string(st), cutoff, 100)
		if err != nil {
			return n, err
		}
		for _, r := range reqs {
			if st == lifecycle.StatePending || st == lifecycle.StateResearching {
				err = q.EnqueueProcess(ctx, r.ID)
			} else {
				err = q.EnqueueRecheck(ctx, r.ID, 0, 0)
			}
			if err != nil {
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		logger.From(ctx).Info("stale_requests_requeued", "count", n)
	}
	return n, nil
}

package telephony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"provider-scout/internal/poll"
	"provider-scout/pkg/logger"
	"provider-scout/pkg/utils"
)

var ErrNoCallSlot = errors.New("telephony: no free call slot")

// CallSlots caps live outbound calls across every process sharing the Redis
// instance. The platform account has its own concurrency limit; exceeding it
// makes creation fail with a quota error.
type CallSlots struct {
	rdb   *redis.Client
	key   string
	limit int
	// ttl is the lease of one slot. It must outlive the longest call so a
	// live call never loses its slot.
	ttl  time.Duration
	wait poll.Policy
	now  func() time.Time
}

func NewCallSlots(rdb *redis.Client, key string, limit int, ttl time.Duration, wait time.Duration) *CallSlots {
	if key == "" {
		key = "voice:live_calls"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	return &CallSlots{
		rdb:   rdb,
		key:   key,
		limit: limit,
		ttl:   ttl,
		wait:  poll.Policy{Interval: 500 * time.Millisecond, Timeout: wait},
		now:   time.Now,
	}
}

// Acquire blocks until a slot is free or the wait bound elapses. The returned
// release func is safe to call once.
func (s *CallSlots) Acquire(ctx context.Context) (func(), error) {
	holder := uuid.NewString()
	err := poll.Until(ctx, s.wait, func(ctx context.Context) (bool, error) {
		return utils.AcquireCallSlot(ctx, s.rdb, s.key, holder, s.limit, s.ttl, s.now())
	})
	switch {
	case err == nil:
	case errors.Is(err, poll.ErrTimeout), errors.Is(err, poll.ErrExhausted):
		return nil, ErrNoCallSlot
	default:
		return nil, fmt.Errorf("telephony: acquire call slot: %w", err)
	}

	return func() {
		// Release on a fresh context: the caller's may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := utils.ReleaseCallSlot(rctx, s.rdb, s.key, holder); err != nil {
			logger.From(ctx).Warn("call_slot_release_failed", "holder", holder, "err", err)
		}
	}, nil
}

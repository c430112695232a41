// Package resultcache holds call results pushed by the voice platform until the
// waiting call client picks them up.
//
// Producers (push webhook, relay subscriber, poll fallback) and the consumer
// (DirectClient) run independently; all access goes through one mutex.
// The cache never performs network I/O.
package resultcache

import (
	"context"
	"sync"
	"time"

	"provider-scout/internal/calls"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

type entry struct {
	result    calls.CallResult
	expiresAt time.Time
}

type Cache struct {
	mu    sync.Mutex
	items map[string]entry

	ttl   time.Duration
	sweep time.Duration

	// now is injectable for deterministic tests.
	now func() time.Time
}

func New(ttl, sweepInterval time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Cache{
		items: make(map[string]entry),
		ttl:   ttl,
		sweep: sweepInterval,
		now:   time.Now,
	}
}

// Put stores a result for callID and restarts its TTL.
// Partial updates overwrite each other, but a non-terminal update never
// replaces a stored complete result.
func (c *Cache) Put(callID string, r calls.CallResult) {
	if callID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if cur, ok := c.items[callID]; ok && now.Before(cur.expiresAt) {
		if cur.result.Complete() && r.Status.Rank() < cur.result.Status.Rank() {
			return
		}
	}
	c.items[callID] = entry{result: r, expiresAt: now.Add(c.ttl)}
}

// Get returns the result for callID. Absence means "not delivered yet".
func (c *Cache) Get(callID string) (calls.CallResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[callID]
	if !ok || !c.now().Before(e.expiresAt) {
		return calls.CallResult{}, false
	}
	return e.result, true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Run sweeps on a fixed interval until ctx is done, independent of reads.
func (c *Cache) Run(ctx context.Context) {
	t := time.NewTicker(c.sweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestOpenRedis_RequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func openTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestCallSlot_LeaseAndRelease(t *testing.T) {
	mr, rdb := openTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	const key = "voice:live_calls"
	for _, holder := range []string{"h1", "h2"} {
		ok, err := AcquireCallSlot(ctx, rdb, key, holder, 2, time.Minute, now)
		if err != nil || !ok {
			t.Fatalf("acquire %s: ok=%v err=%v", holder, ok, err)
		}
	}
	ok, err := AcquireCallSlot(ctx, rdb, key, "h3", 2, time.Minute, now)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected third lease to be rejected")
	}

	if err := ReleaseCallSlot(ctx, rdb, key, "h1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// A second release of the same lease must not free another holder's slot.
	if err := ReleaseCallSlot(ctx, rdb, key, "h1"); err != nil {
		t.Fatalf("release again: %v", err)
	}
	if ok, err = AcquireCallSlot(ctx, rdb, key, "h3", 2, time.Minute, now); err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	if ok, _ = AcquireCallSlot(ctx, rdb, key, "h4", 2, time.Minute, now); ok {
		t.Fatalf("double release must not open a slot")
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected ttl on the lease set, got %v", ttl)
	}
}

func TestCallSlot_ExpiredLeaseIsReclaimed(t *testing.T) {
	_, rdb := openTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	if ok, err := AcquireCallSlot(ctx, rdb, "k", "crashed", 1, time.Minute, now); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := AcquireCallSlot(ctx, rdb, "k", "next", 1, time.Minute, now.Add(30*time.Second)); ok {
		t.Fatalf("lease still running, slot must be taken")
	}
	if ok, err := AcquireCallSlot(ctx, rdb, "k", "next", 1, time.Minute, now.Add(61*time.Second)); err != nil || !ok {
		t.Fatalf("expected expired lease reclaimed: ok=%v err=%v", ok, err)
	}
}

func TestCallSlot_RejectsBadArgs(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	if _, err := AcquireCallSlot(ctx, nil, "k", "h", 1, time.Second, now); err == nil {
		t.Fatalf("expected error for nil client")
	}
	_, rdb := openTestRedis(t)
	if _, err := AcquireCallSlot(ctx, rdb, "k", "h", 0, time.Second, now); err == nil {
		t.Fatalf("expected error for zero limit")
	}
	if _, err := AcquireCallSlot(ctx, rdb, "", "h", 1, time.Second, now); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := AcquireCallSlot(ctx, rdb, "k", "", 1, time.Second, now); err == nil {
		t.Fatalf("expected error for empty holder")
	}
}

package audit

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory append-only repository useful for tests.
// It enforces DedupeKey uniqueness like the SQL table does.
type MemoryRepo struct {
	mu      sync.Mutex
	entries []Entry
	keys    map[string]struct{}
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{keys: make(map[string]struct{})} }

func (r *MemoryRepo) Append(ctx context.Context, e Entry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[e.DedupeKey]; ok {
		return false, nil
	}
	r.keys[e.DedupeKey] = struct{}{}
	r.entries = append(r.entries, e)
	return true, nil
}

func (r *MemoryRepo) List(ctx context.Context, requestID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryRepo) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

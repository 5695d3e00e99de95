package throttle

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a sliding-window Store for a single process.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	blocks  map[string]time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string][]time.Time),
		blocks:  make(map[string]time.Time),
	}
}

func (s *MemoryStore) Add(_ context.Context, key string, cost int, window time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hits := prune(s.windows[key], now.Add(-window))
	for range cost {
		hits = append(hits, now)
	}
	s.windows[key] = hits
	return len(hits), nil
}

func (s *MemoryStore) Block(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[key] = until
	return nil
}

func (s *MemoryStore) BlockedUntil(_ context.Context, key string, now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.blocks[key]
	if !ok {
		return time.Time{}, nil
	}
	if !until.After(now) {
		delete(s.blocks, key)
		return time.Time{}, nil
	}
	return until, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	delete(s.blocks, key)
	return nil
}

// prune drops hits at or before cutoff. hits is in ascending order.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(hits); i++ {
		if hits[i].After(cutoff) {
			break
		}
	}
	return hits[i:]
}

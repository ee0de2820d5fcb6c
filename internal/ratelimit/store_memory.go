package ratelimit

import (
	"context"
	"sync"
	"time"
)

type backoffState struct {
	failures int
	until    time.Time
}

// MemoryStore keeps limiter state in process memory. Each window is the
// timestamp list of admitted requests, expired individually, so the limit
// holds over every rolling interval and never resets in bulk.
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	backoffs map[string]*backoffState

	now func() time.Time
}

// NewMemoryStore creates an empty in-process state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:  make(map[string][]time.Time),
		backoffs: make(map[string]*backoffState),
		now:      time.Now,
	}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, rule WindowRule) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-rule.Window)

	stamps := s.windows[key]
	live := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) >= rule.Limit {
		s.windows[key] = live
		return false, live[0].Add(rule.Window).Sub(now), nil
	}
	s.windows[key] = append(live, now)
	return true, 0, nil
}

func (s *MemoryStore) Fail(_ context.Context, key string, base, max time.Duration) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.backoffs[key]
	if b == nil {
		b = &backoffState{}
		s.backoffs[key] = b
	}
	b.failures++

	delay := base << (b.failures - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	b.until = s.now().Add(delay)
	return delay, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoffs, key)
	return nil
}

func (s *MemoryStore) Delay(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.backoffs[key]
	if b == nil {
		return 0, nil
	}
	remaining := b.until.Sub(s.now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	rec     Record
	expires time.Time
}

// MemoryStore is a single-process counter store for development and tests.
// Entries are dropped lazily when read after their expiry; there is no sweeper.
type MemoryStore struct {
	mu  sync.Mutex
	m   map[string]memEntry
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]memEntry), now: time.Now}
}

// WithClock replaces the time source used for expiry; tests only.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key, s.now()), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = memEntry{rec: rec, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Hit(_ context.Context, key string, rule Rule, now time.Time) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := advance(s.getLocked(key, now), rule, now)
	s.m[key] = memEntry{rec: st.rec, expires: now.Add(st.ttl)}
	return st.rec, st.limited, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len reports the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, e := range s.m {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) getLocked(key string, now time.Time) *Record {
	e, ok := s.m[key]
	if !ok {
		return nil
	}
	if !now.Before(e.expires) {
		delete(s.m, key)
		return nil
	}
	rec := e.rec
	return &rec
}

package progress

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	rec     Record
	expires time.Time
}

// MemoryStore is an in-process Store. Expired records are dropped lazily on
// access and periodically by Run.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a store whose records live ttl after their last publish.
func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Publish(_ context.Context, token string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.entries[token]; ok && now.Before(cur.expires) {
		if cur.rec.Phase.Terminal() {
			return ErrFinal
		}
		if stale(cur.rec, rec) {
			return ErrStale
		}
		rec.Version = cur.rec.Version + 1
	} else {
		rec.Version = 1
	}

	s.entries[token] = memoryEntry{rec: rec, expires: now.Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Read(_ context.Context, token string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, token)
		return Record{}, ErrNotFound
	}
	return e.rec, nil
}

// Len returns the number of stored records, expired ones included until swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops every expired record.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, token)
			removed++
		}
	}
	return removed
}

// Run sweeps expired records every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

var _ Store = (*MemoryStore)(nil)

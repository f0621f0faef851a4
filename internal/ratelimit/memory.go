package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

const defaultStripes = 64

type bucket struct {
	start time.Time
	count int
	// window is kept so Sweep can tell when the bucket is stale.
	window time.Duration
}

type stripe struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// MemoryStore is an in-process fixed-window Store. Keys are spread over a
// fixed set of lock stripes; calls for the same key always serialize on one
// stripe.
type MemoryStore struct {
	stripes []stripe
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithStripes sets the number of lock stripes.
func WithStripes(n int) MemoryOption {
	return func(m *MemoryStore) {
		if n > 0 {
			m.stripes = make([]stripe, n)
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		stripes: make([]stripe, defaultStripes),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.stripes {
		m.stripes[i].buckets = make(map[string]*bucket)
	}
	return m
}

func (m *MemoryStore) stripeFor(key string) *stripe {
	h := murmur3.Sum32([]byte(key))
	return &m.stripes[h%uint32(len(m.stripes))]
}

// Check admits or limits one request for key.
func (m *MemoryStore) Check(_ context.Context, key string, window time.Duration, max int) (Decision, error) {
	if err := validate(window, max); err != nil {
		return Decision{}, err
	}

	s := m.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	b, ok := s.buckets[key]
	if !ok || now.Sub(b.start) >= window {
		b = &bucket{start: now, count: 1, window: window}
		s.buckets[key] = b
		return Decision{Count: 1, Limit: max, ResetAt: now.Add(window)}, nil
	}
	b.window = window

	resetAt := b.start.Add(window)
	if b.count >= max {
		return Decision{
			Limited:    true,
			RetryAfter: retryAfterSeconds(resetAt.Sub(now)),
			Count:      b.count,
			Limit:      max,
			ResetAt:    resetAt,
		}, nil
	}
	b.count++
	return Decision{Count: b.count, Limit: max, ResetAt: resetAt}, nil
}

// Sweep drops buckets whose window has elapsed and returns how many were
// removed.
func (m *MemoryStore) Sweep() int {
	now := m.now()
	removed := 0
	for i := range m.stripes {
		s := &m.stripes[i]
		s.mu.Lock()
		for k, b := range s.buckets {
			if now.Sub(b.start) >= b.window {
				delete(s.buckets, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of live buckets.
func (m *MemoryStore) Len() int {
	n := 0
	for i := range m.stripes {
		s := &m.stripes[i]
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

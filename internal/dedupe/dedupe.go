// Package dedupe remembers recently delivered events so that Slack's
// at-least-once redeliveries do not trigger a second reply.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL covers Slack's retry schedule (immediately, 1 minute, 5 minutes).
const DefaultTTL = 10 * time.Minute

// Store records delivery fingerprints.
type Store interface {
	// Seen marks key as delivered and reports whether it already was.
	Seen(ctx context.Context, key string) (bool, error)
	// Forget drops key so a later redelivery is processed again.
	Forget(ctx context.Context, key string) error
}

// Memory is an in-process Store with per-key expiry.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]time.Time
	lastSweep time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Memory store. A non-positive ttl means DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweepLocked(now)

	if exp, ok := m.entries[key]; ok && now.Before(exp) {
		return true, nil
	}
	m.entries[key] = now.Add(m.ttl)
	return false, nil
}

func (m *Memory) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of tracked keys, expired ones included until the next sweep.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// sweepLocked drops expired keys at most once per TTL.
func (m *Memory) sweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < m.ttl {
		return
	}
	for k, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, k)
		}
	}
	m.lastSweep = now
}

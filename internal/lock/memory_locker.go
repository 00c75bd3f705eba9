package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker implements Locker with an in-process map. It provides the
// same API as the Redis store but only guarantees exclusion within a single
// process; it must be chosen explicitly, never fallen back to silently.
// All mutations go through one mutex so there are no torn reads.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker builds an empty in-process lock store.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]memoryEntry)}
}

// AcquireToken stores token under key iff key is absent or expired.
func (m *MemoryLocker) AcquireToken(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if e, ok := m.entries[key]; ok && e.expiresAt.After(now) {
		return false, nil
	}
	m.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseToken deletes key iff it still holds an unexpired token match.
func (m *MemoryLocker) ReleaseToken(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.token != token || !e.expiresAt.After(time.Now()) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

// RefreshToken resets key's ttl iff it still holds an unexpired token match.
func (m *MemoryLocker) RefreshToken(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, ok := m.entries[key]
	if !ok || e.token != token || !e.expiresAt.After(now) {
		return false, nil
	}
	e.expiresAt = now.Add(ttl)
	m.entries[key] = e
	return true, nil
}

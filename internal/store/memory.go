package store

import (
	"context"
	"sync"
	"time"

	"minifab/internal/job"
)

// Memory is an in-process Store for single-instance deployments and tests.
// Entries are evicted lazily on read once their TTL has passed.
type Memory struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]memoryEntry

	// now is swappable for expiry tests.
	now func() time.Time
}

type memoryEntry struct {
	job       *job.Job
	expiresAt time.Time
}

// NewMemory creates a memory store. ttl <= 0 uses DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if m.now().After(e.expiresAt) {
		m.mu.Lock()
		// Re-check: a concurrent Put may have refreshed the entry.
		if e2, ok2 := m.entries[id]; ok2 && m.now().After(e2.expiresAt) {
			delete(m.entries, id)
		}
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return e.job.Clone(), nil
}

func (m *Memory) Put(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[j.ID] = memoryEntry{job: j.Clone(), expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Merge(ctx context.Context, id string, u job.Update) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || m.now().After(e.expiresAt) {
		delete(m.entries, id)
		return nil, ErrNotFound
	}

	merged := e.job.Clone()
	merged.Apply(u)
	m.entries[id] = memoryEntry{job: merged, expiresAt: m.now().Add(m.ttl)}
	return merged.Clone(), nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)

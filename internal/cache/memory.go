package cache

import (
	"context"
	"sync"
	"time"

	"github.com/maypok86/otter"
)

// MemoryBackend is a process-local Backend for single-instance deployments
// and tests. Payloads live in an otter cache with per-entry TTL; index sets
// are plain maps with their own expiry, guarded by one mutex that is never
// held across I/O.
type MemoryBackend struct {
	payloads otter.CacheWithVariableTTL[string, string]

	mu        sync.Mutex
	indexes   map[string]*indexSet
	lastSweep time.Time
	now       func() time.Time
}

// indexSweepInterval spaces out the scans that drop expired index sets of
// scopes nobody touches again.
const indexSweepInterval = time.Minute

type indexSet struct {
	members map[string]struct{}
	expires time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemory returns a MemoryBackend holding at most capacity payloads.
func NewMemory(capacity int) (*MemoryBackend, error) {
	if capacity <= 0 {
		capacity = 10_000
	}
	payloads, err := otter.MustBuilder[string, string](capacity).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{
		payloads: payloads,
		indexes:  make(map[string]*indexSet),
		now:      time.Now,
	}, nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.payloads.Get(key)
	return v, ok, nil
}

// Store implements Backend.
func (m *MemoryBackend) Store(_ context.Context, key, payload string, ttl time.Duration, indexKeys []string, indexTTL time.Duration) error {
	m.payloads.Set(key, payload, ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.lastSweep) >= indexSweepInterval {
		m.sweep(now)
	}
	for _, ik := range indexKeys {
		set := m.liveSet(ik, now)
		if set == nil {
			set = &indexSet{members: make(map[string]struct{})}
			m.indexes[ik] = set
		}
		set.members[key] = struct{}{}
		set.expires = now.Add(indexTTL)
	}
	return nil
}

// Members implements Backend.
func (m *MemoryBackend) Members(_ context.Context, indexKeys []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []string
	for _, ik := range indexKeys {
		set := m.liveSet(ik, now)
		if set == nil {
			continue
		}
		for k := range set.members {
			out = append(out, k)
		}
	}
	return dedupe(out), nil
}

// Evict implements Backend.
func (m *MemoryBackend) Evict(_ context.Context, keys []string, indexKeys []string) error {
	for _, k := range keys {
		m.payloads.Delete(k)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, ik := range indexKeys {
		set := m.liveSet(ik, now)
		if set == nil {
			continue
		}
		for _, k := range keys {
			delete(set.members, k)
		}
	}
	return nil
}

// Ping implements Backend.
func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.payloads.Close()
	return nil
}

// sweep drops every expired index set. Callers hold mu.
func (m *MemoryBackend) sweep(now time.Time) {
	for ik, set := range m.indexes {
		if !now.Before(set.expires) {
			delete(m.indexes, ik)
		}
	}
	m.lastSweep = now
}

// liveSet returns the index set ik, dropping it when expired. Callers hold mu.
func (m *MemoryBackend) liveSet(ik string, now time.Time) *indexSet {
	set, ok := m.indexes[ik]
	if !ok {
		return nil
	}
	if !now.Before(set.expires) {
		delete(m.indexes, ik)
		return nil
	}
	return set
}

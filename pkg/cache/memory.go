package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/inference-client/pkg/models"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Memory is a bounded, TTL-limited, in-process response cache with
// least-recently-used eviction. It is safe for concurrent use; every lookup,
// expiry, and eviction happens under a single lock.
type Memory struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *Entry]
	cfg Config
	now func() time.Time

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an in-memory store.
func NewMemory(cfg Config, opts ...MemoryOption) *Memory {
	cfg = cfg.normalized()

	// Size is always positive after normalization, so NewLRU cannot fail.
	lru, _ := simplelru.NewLRU[string, *Entry](cfg.MaxEntries, nil)

	m := &Memory{
		lru: lru,
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get retrieves a response by key and refreshes its recency.
// An entry older than the TTL is removed and reported as a miss.
func (m *Memory) Get(_ context.Context, key string) (*models.Response, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.Enabled {
		return nil, false
	}

	entry, ok := m.lru.Peek(key)
	if !ok {
		m.misses++
		return nil, false
	}

	now := m.now()
	if entry.IsExpired(now, m.cfg.TTL) {
		m.lru.Remove(key)
		m.expirations++
		m.misses++
		return nil, false
	}

	m.lru.Get(key)
	entry.LastAccess = now
	m.hits++

	return entry.Value.Clone(), true
}

// Set stores a response, evicting the least recently used entry when full.
func (m *Memory) Set(_ context.Context, key string, value *models.Response) {
	if value == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.Enabled {
		return
	}

	if evicted := m.lru.Add(key, NewEntry(value.Clone(), m.now())); evicted {
		m.evictions++
	}
}

// Delete removes a single entry.
func (m *Memory) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Remove(key)
}

// Clear removes all entries. Counters are kept.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
	return nil
}

// Len returns the number of entries, including expired ones not yet looked up.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Capacity returns the maximum number of entries.
func (m *Memory) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MaxEntries
}

// Configure applies a new configuration. Shrinking the capacity evicts the
// least recently used entries; disabling drops all entries.
func (m *Memory) Configure(cfg Config) {
	cfg = cfg.normalized()

	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.MaxEntries != m.cfg.MaxEntries {
		m.evictions += uint64(m.lru.Resize(cfg.MaxEntries))
	}
	if !cfg.Enabled {
		m.lru.Purge()
	}
	m.cfg = cfg
}

// Stats returns a snapshot of the store counters.
func (m *Memory) Stats(_ context.Context) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Backend:     "memory",
		Enabled:     m.cfg.Enabled,
		Size:        m.lru.Len(),
		Capacity:    m.cfg.MaxEntries,
		TTL:         m.cfg.TTL,
		Hits:        m.hits,
		Misses:      m.misses,
		Evictions:   m.evictions,
		Expirations: m.expirations,
	}
}

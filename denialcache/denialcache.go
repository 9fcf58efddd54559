// Package denialcache absorbs retry storms after a quota denial: once the
// evaluator has denied a (model, username, caller_name, project) tuple, a
// subsequent check against the same tuple returns the memoized denial
// without touching storage, until the memoized reset instant passes
// (spec.md §4.5). This is a pure optimization — a cold process behaves
// identically to a warm one, modulo call counts.
package denialcache

import (
	"sync"
	"time"
)

// Key identifies the dimensional tuple a denial is memoized against.
type Key struct {
	Model      string
	Username   string
	CallerName string
	Project    string
}

// Entry is a memoized denial.
type Entry struct {
	Reason       string
	ResetInstant time.Time
}

// Store is the interface both the in-memory and Redis-backed
// implementations satisfy.
type Store interface {
	Get(key Key, now time.Time) (Entry, bool)
	Set(key Key, entry Entry)
	Evict(key Key)
}

// Memory is an in-memory, mutex-guarded denial cache. Entries past their
// reset instant are evicted lazily on lookup, same as the teacher's
// sliding-window rate limiter evicts stale tokens on access.
type Memory struct {
	mu      sync.Mutex
	entries map[Key]Entry
}

// NewMemory returns an empty in-memory denial cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[Key]Entry)}
}

// Get returns the memoized denial for key if one exists and now is still
// before its reset instant; otherwise it evicts the entry (if present)
// and reports a miss.
func (m *Memory) Get(key Key, now time.Time) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	if now.Before(entry.ResetInstant) {
		return entry, true
	}
	delete(m.entries, key)
	return Entry{}, false
}

// Set memoizes a fresh denial for key, overwriting any prior entry.
func (m *Memory) Set(key Key, entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
}

// Evict removes any memoized denial for key, e.g. after an allowed check.
func (m *Memory) Evict(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Cleanup drops every entry whose reset instant has already passed. Call
// periodically to bound memory use under a long-running process with many
// distinct denied tuples, mirroring the teacher's RateLimiter.Cleanup.
func (m *Memory) Cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if !now.Before(entry.ResetInstant) {
			delete(m.entries, key)
		}
	}
}

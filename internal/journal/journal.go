// Package journal provides the append-only structured event log backing
// the audit trail. The Journal interface is pluggable; the in-memory
// default is bounded by a maximum entry count and an age cutoff, and a
// file-backed variant persists entries as JSON lines.
package journal

import (
	"sync"
	"time"

	"deluthium-bridge/pkg/types"
)

// Filter selects journal entries on Query. Zero-valued fields match
// everything; Limit of 0 means unlimited.
type Filter struct {
	EventType      string
	RequestID      string
	QuoteID        string
	TradeID        string
	CounterpartyID string
	Since          time.Time
	Until          time.Time
	Limit          int
}

func (f Filter) matches(e types.AuditEntry) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.RequestID != "" && e.Related.RequestID != f.RequestID {
		return false
	}
	if f.QuoteID != "" && e.Related.QuoteID != f.QuoteID {
		return false
	}
	if f.TradeID != "" && e.Related.TradeID != f.TradeID {
		return false
	}
	if f.CounterpartyID != "" && e.Related.CounterpartyID != f.CounterpartyID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Journal is the pluggable append-only event store.
type Journal interface {
	Write(entry types.AuditEntry) error
	Query(filter Filter) ([]types.AuditEntry, error)
	Close() error
}

// Memory is the in-memory default. Entries beyond MaxEntries are dropped
// oldest-first, and entries older than MaxAge are pruned on every write.
type Memory struct {
	mu         sync.RWMutex
	entries    []types.AuditEntry
	maxEntries int
	maxAge     time.Duration
	now        func() time.Time
}

// MemoryOption configures a Memory journal.
type MemoryOption func(*Memory)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a bounded in-memory journal. maxEntries <= 0 defaults
// to 10000; maxAge <= 0 disables age pruning.
func NewMemory(maxEntries int, maxAge time.Duration, opts ...MemoryOption) *Memory {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	m := &Memory{
		maxEntries: maxEntries,
		maxAge:     maxAge,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Write appends an entry, pruning aged-out and overflow entries.
func (m *Memory) Write(entry types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, entry)

	if m.maxAge > 0 {
		cutoff := m.now().Add(-m.maxAge)
		firstLive := 0
		for firstLive < len(m.entries) && m.entries[firstLive].Timestamp.Before(cutoff) {
			firstLive++
		}
		if firstLive > 0 {
			m.entries = append([]types.AuditEntry(nil), m.entries[firstLive:]...)
		}
	}

	if over := len(m.entries) - m.maxEntries; over > 0 {
		m.entries = append([]types.AuditEntry(nil), m.entries[over:]...)
	}
	return nil
}

// Query returns entries matching the filter in write order.
func (m *Memory) Query(filter Filter) ([]types.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.AuditEntry
	for _, e := range m.entries {
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close is a no-op for the in-memory journal.
func (m *Memory) Close() error { return nil }

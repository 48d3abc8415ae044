package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in memory for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	seen    map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

func (m *MemoryStore) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[r.CorrelationID] {
		return ErrDuplicate
	}
	m.seen[r.CorrelationID] = true
	r.Reasons = append([]string(nil), r.Reasons...)
	m.records = append(m.records, r)
	return nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.records {
		if q.Host != "" && r.Host != q.Host {
			continue
		}
		if q.Cursor != nil && !olderThan(r, q.Cursor.At, q.Cursor.ID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return olderThan(out[j], out[i].DecidedAt, out[i].ID)
	})
	if n := q.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	var n int64
	for _, r := range m.records {
		if r.DecidedAt.Before(before) {
			delete(m.seen, r.CorrelationID)
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return n, nil
}

// olderThan reports whether r sorts strictly after (at, id) in
// newest-first order.
func olderThan(r Record, at time.Time, id string) bool {
	if r.DecidedAt.Equal(at) {
		return r.ID < id
	}
	return r.DecidedAt.Before(at)
}

var _ Store = (*MemoryStore)(nil)

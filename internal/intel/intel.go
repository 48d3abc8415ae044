// Package intel holds the threat-intelligence snapshot: hosts and
// addresses reported as malicious, and a trusted seed of known-good hosts.
// Every entry carries the sources that reported it.
package intel

import (
	"strings"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the loaded lists. Keys are lowercase.
type Snapshot struct {
	BlockedHosts     map[string][]string `json:"blockedHosts"`
	AllowedHosts     map[string][]string `json:"allowedHosts"`
	BlockedAddresses map[string][]string `json:"blockedAddresses"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// Empty returns a snapshot with no entries and no timestamp.
func Empty() *Snapshot {
	return &Snapshot{
		BlockedHosts:     map[string][]string{},
		AllowedHosts:     map[string][]string{},
		BlockedAddresses: map[string][]string{},
	}
}

// Age returns how old the snapshot is at now. Unloaded snapshots report -1.
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil || s.UpdatedAt.IsZero() {
		return -1
	}
	return now.Sub(s.UpdatedAt)
}

// Stale reports whether the snapshot is missing or older than maxAge.
func (s *Snapshot) Stale(now time.Time, maxAge time.Duration) bool {
	age := s.Age(now)
	return age < 0 || age > maxAge
}

// HostBlocked returns the reporting sources when host or any parent
// domain is on a block list.
func (s *Snapshot) HostBlocked(host string) ([]string, bool) {
	if s == nil {
		return nil, false
	}
	return lookupDomain(s.BlockedHosts, host)
}

// HostTrusted returns the seed sources when host or a parent domain is
// in the trusted seed.
func (s *Snapshot) HostTrusted(host string) ([]string, bool) {
	if s == nil {
		return nil, false
	}
	return lookupDomain(s.AllowedHosts, host)
}

// AddressBlocked returns the reporting sources for a flagged address.
func (s *Snapshot) AddressBlocked(addr string) ([]string, bool) {
	if s == nil || addr == "" {
		return nil, false
	}
	src, ok := s.BlockedAddresses[strings.ToLower(addr)]
	return src, ok
}

// Counts returns entry counts for status reporting.
func (s *Snapshot) Counts() (hosts, allowed, addresses int) {
	if s == nil {
		return 0, 0, 0
	}
	return len(s.BlockedHosts), len(s.AllowedHosts), len(s.BlockedAddresses)
}

func lookupDomain(m map[string][]string, host string) ([]string, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for host != "" {
		if src, ok := m[host]; ok {
			return src, true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
		// never match a bare TLD
		if !strings.Contains(host, ".") {
			break
		}
	}
	return nil, false
}

// Builder accumulates list entries with source attribution.
type Builder struct {
	snap *Snapshot
}

// NewBuilder starts an empty snapshot.
func NewBuilder() *Builder {
	return &Builder{snap: Empty()}
}

// BlockHost records host as reported by source.
func (b *Builder) BlockHost(host, source string) *Builder {
	add(b.snap.BlockedHosts, normalizeHost(host), source)
	return b
}

// TrustHost records host in the trusted seed.
func (b *Builder) TrustHost(host, source string) *Builder {
	add(b.snap.AllowedHosts, normalizeHost(host), source)
	return b
}

// BlockAddress records a malicious address.
func (b *Builder) BlockAddress(addr, source string) *Builder {
	add(b.snap.BlockedAddresses, strings.ToLower(strings.TrimSpace(addr)), source)
	return b
}

// Merge copies every entry of other into the builder.
func (b *Builder) Merge(other *Snapshot) *Builder {
	if other == nil {
		return b
	}
	for k, srcs := range other.BlockedHosts {
		for _, s := range srcs {
			add(b.snap.BlockedHosts, k, s)
		}
	}
	for k, srcs := range other.AllowedHosts {
		for _, s := range srcs {
			add(b.snap.AllowedHosts, k, s)
		}
	}
	for k, srcs := range other.BlockedAddresses {
		for _, s := range srcs {
			add(b.snap.BlockedAddresses, k, s)
		}
	}
	return b
}

// Build stamps the snapshot with at and returns it. The builder must not
// be reused.
func (b *Builder) Build(at time.Time) *Snapshot {
	b.snap.UpdatedAt = at
	return b.snap
}

func add(m map[string][]string, key, source string) {
	if key == "" {
		return
	}
	for _, s := range m[key] {
		if s == source {
			return
		}
	}
	m[key] = append(m[key], source)
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "*.")
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/:"); i >= 0 {
		h = h[:i]
	}
	return strings.TrimSuffix(h, ".")
}

// Source supplies the current snapshot.
type Source interface {
	Snapshot() *Snapshot
}

// Store holds the active snapshot. Reads are lock-free.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

// NewStore creates a store holding s (or an empty snapshot when nil).
func NewStore(s *Snapshot) *Store {
	st := &Store{}
	if s == nil {
		s = Empty()
	}
	st.cur.Store(s)
	return st
}

// Snapshot returns the active snapshot. Never nil.
func (st *Store) Snapshot() *Snapshot {
	return st.cur.Load()
}

// Replace swaps in a new snapshot.
func (st *Store) Replace(s *Snapshot) {
	if s != nil {
		st.cur.Store(s)
	}
}

// UpdatedAt returns the active snapshot's timestamp.
func (st *Store) UpdatedAt() time.Time {
	return st.cur.Load().UpdatedAt
}

package interceptor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/walletgate/internal/logging"
)

// Slot holds the single injected provider. Wallets may fill it after the
// interceptor starts, or replace it later.
type Slot struct {
	mu      sync.RWMutex
	p       Provider
	version uint64
	changed chan struct{}
}

// NewSlot creates an empty slot.
func NewSlot() *Slot {
	return &Slot{changed: make(chan struct{}, 1)}
}

// Get returns the current provider, or nil.
func (s *Slot) Get() Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

// Set replaces the provider and raises the ready signal.
func (s *Slot) Set(p Provider) {
	s.mu.Lock()
	s.p = p
	s.version++
	s.mu.Unlock()
	signal(s.changed)
}

func (s *Slot) load() (Provider, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p, s.version
}

// swap replaces the provider only if no Set happened since version.
func (s *Slot) swap(version uint64, p Provider) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version {
		return false
	}
	s.p = p
	return true
}

// Changed fires after Set. Signals coalesce.
func (s *Slot) Changed() <-chan struct{} { return s.changed }

// Announcement is one provider in the multi-provider registry.
type Announcement struct {
	UUID     string   `json:"uuid"`
	Name     string   `json:"name"`
	RDNS     string   `json:"rdns"`
	Provider Provider `json:"-"`
}

// Registry collects announced providers, keyed by UUID.
type Registry struct {
	mu        sync.RWMutex
	entries   []Announcement
	announced chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{announced: make(chan struct{}, 1)}
}

// Announce adds or replaces a provider and raises the discovery signal.
func (r *Registry) Announce(a Announcement) {
	r.mu.Lock()
	replaced := false
	for i := range r.entries {
		if r.entries[i].UUID == a.UUID {
			r.entries[i] = a
			replaced = true
			break
		}
	}
	if !replaced {
		r.entries = append(r.entries, a)
	}
	r.mu.Unlock()
	signal(r.announced)
}

// All returns the announced providers in announcement order.
func (r *Registry) All() []Announcement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Announcement(nil), r.entries...)
}

// Lookup finds a provider by UUID, RDNS, or name.
func (r *Registry) Lookup(key string) (Announcement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.entries {
		if a.UUID == key || a.RDNS == key || a.Name == key {
			return a, true
		}
	}
	return Announcement{}, false
}

// Announced fires after Announce. Signals coalesce.
func (r *Registry) Announced() <-chan struct{} { return r.announced }

// wrapAll wraps every entry not yet wrapped and returns how many changed.
func (r *Registry) wrapAll(wrap func(Provider) Provider) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.entries {
		if p := r.entries[i].Provider; p != nil && !IsWrapped(p) {
			r.entries[i].Provider = wrap(p)
			n++
		}
	}
	return n
}

func (r *Registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Prober keeps looking for providers and wraps each one exactly once. It
// reacts to ready and discovery signals for its whole life, and polls on
// a bounded schedule until the first provider is found.
type Prober struct {
	slot     *Slot
	registry *Registry
	wrap     func(Provider) Provider
	interval time.Duration
	maxPolls int
	logger   *slog.Logger

	mu    sync.Mutex
	found bool
}

// NewProber creates a prober. registry may be nil.
func NewProber(slot *Slot, registry *Registry, wrap func(Provider) Provider, logger *slog.Logger) *Prober {
	return &Prober{
		slot:     slot,
		registry: registry,
		wrap:     wrap,
		interval: 250 * time.Millisecond,
		maxPolls: 40,
		logger:   logging.Or(logger),
	}
}

// WithPolling sets the polling fallback schedule.
func (p *Prober) WithPolling(interval time.Duration, maxPolls int) *Prober {
	if interval > 0 {
		p.interval = interval
	}
	if maxPolls >= 0 {
		p.maxPolls = maxPolls
	}
	return p
}

// Found reports whether any provider has been seen.
func (p *Prober) Found() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.found
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	var announced <-chan struct{}
	if p.registry != nil {
		announced = p.registry.Announced()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	poll := ticker.C
	polls := 0

	p.Probe()
	for {
		if poll != nil && (p.Found() || polls >= p.maxPolls) {
			ticker.Stop()
			poll = nil
			if !p.Found() {
				p.logger.Warn("no wallet provider found, waiting for a ready signal", "polls", polls)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-p.slot.Changed():
			p.Probe()
		case <-announced:
			p.Probe()
		case <-poll:
			polls++
			p.Probe()
		}
	}
}

// Probe wraps whatever is currently discoverable and returns how many
// providers this pass wrapped.
func (p *Prober) Probe() int {
	n := 0
	if cur, v := p.slot.load(); cur != nil {
		if !IsWrapped(cur) && p.slot.swap(v, p.wrap(cur)) {
			n++
		}
	}
	if p.registry != nil {
		n += p.registry.wrapAll(p.wrap)
	}
	if n > 0 {
		p.logger.Info("wallet provider wrapped", "count", n)
	}
	if p.slot.Get() != nil || (p.registry != nil && p.registry.len() > 0) {
		p.mu.Lock()
		p.found = true
		p.mu.Unlock()
	}
	return n
}

// Package flow remembers recent gated calls per origin so that related
// calls can be explained together (a chain switch followed by a
// transaction, for instance). It never makes a call safe on its own.
package flow

import (
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a call stays relevant to later calls.
const DefaultTTL = 60 * time.Second

// maxPerOrigin bounds memory per origin.
const maxPerOrigin = 32

// Event is one observed call.
type Event struct {
	Origin  string    `json:"origin"`
	Method  string    `json:"method"`
	ChainID string    `json:"chainId,omitempty"`
	At      time.Time `json:"at"`
}

// Context summarizes what happened recently on an origin.
type Context struct {
	Recent             []Event `json:"recent,omitempty"`
	FollowsChainSwitch bool    `json:"followsChainSwitch"`
	FollowsConnect     bool    `json:"followsConnect"`
	SwitchedToChain    string  `json:"switchedToChain,omitempty"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	events map[string][]Event
}

// NewTracker creates a tracker. ttl <= 0 means DefaultTTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{ttl: ttl, events: make(map[string][]Event)}
}

// TTL returns the tracker's time-to-live.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Record stores an event.
func (t *Tracker) Record(ev Event) {
	key := originKey(ev.Origin)
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	evs := t.prune(t.events[key], ev.At)
	evs = append(evs, ev)
	if len(evs) > maxPerOrigin {
		evs = evs[len(evs)-maxPerOrigin:]
	}
	t.events[key] = evs
}

// Recent returns the live events for origin at now, oldest first.
func (t *Tracker) Recent(origin string, now time.Time) []Event {
	key := originKey(origin)
	t.mu.Lock()
	defer t.mu.Unlock()

	evs := t.prune(t.events[key], now)
	if len(evs) == 0 {
		delete(t.events, key)
		return nil
	}
	t.events[key] = evs
	out := make([]Event, len(evs))
	copy(out, evs)
	return out
}

// Context summarizes recent activity for origin at now.
func (t *Tracker) Context(origin string, now time.Time) Context {
	recent := t.Recent(origin, now)
	c := Context{Recent: recent}
	for i := len(recent) - 1; i >= 0; i-- {
		switch recent[i].Method {
		case "wallet_switchEthereumChain", "wallet_addEthereumChain":
			if !c.FollowsChainSwitch {
				c.FollowsChainSwitch = true
				c.SwitchedToChain = recent[i].ChainID
			}
		case "eth_requestAccounts", "wallet_requestPermissions":
			c.FollowsConnect = true
		}
	}
	return c
}

// Sweep drops every expired event and empty origin.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, evs := range t.events {
		evs = t.prune(evs, now)
		if len(evs) == 0 {
			delete(t.events, k)
			continue
		}
		t.events[k] = evs
	}
}

// Len returns the number of tracked origins.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Caller must hold t.mu.
func (t *Tracker) prune(evs []Event, now time.Time) []Event {
	cutoff := now.Add(-t.ttl)
	i := 0
	for i < len(evs) && !evs[i].At.After(cutoff) {
		i++
	}
	if i == 0 {
		return evs
	}
	return append(evs[:0:0], evs[i:]...)
}

func originKey(origin string) string {
	return strings.ToLower(strings.TrimSpace(origin))
}

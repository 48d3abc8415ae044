// Package settings holds the user protection settings consulted on every
// analysis and queue decision. Readers always work on an immutable
// snapshot; writers swap the whole snapshot.
package settings

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Mode is the overall protection level.
type Mode string

const (
	ModeOff      Mode = "OFF"
	ModeRelaxed  Mode = "RELAXED"
	ModeBalanced Mode = "BALANCED"
	ModeStrict   Mode = "STRICT"
)

// ParseMode accepts any casing. Empty means BALANCED.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case "":
		return ModeBalanced, nil
	case ModeOff, ModeRelaxed, ModeBalanced, ModeStrict:
		return m, nil
	default:
		return "", fmt.Errorf("settings: unknown mode %q", s)
	}
}

// Snapshot is one immutable view of the settings.
type Snapshot struct {
	Mode                    Mode      `json:"mode" mapstructure:"mode"`
	WarningsEnabled         bool      `json:"warningsEnabled" mapstructure:"warnings_enabled"`
	BlockHighRisk           bool      `json:"blockHighRisk" mapstructure:"block_high_risk"`
	RequireOverrideTypedSig bool      `json:"requireOverrideTypedSig" mapstructure:"require_override_typed_sig"`
	AllowOverrideOnPhishing bool      `json:"allowOverrideOnPhishing" mapstructure:"allow_override_on_phishing"`
	DomainChecks            bool      `json:"domainChecks" mapstructure:"domain_checks"`
	UserAllow               []string  `json:"userAllow,omitempty" mapstructure:"user_allow"`
	UserDeny                []string  `json:"userDeny,omitempty" mapstructure:"user_deny"`
	PausedUntil             time.Time `json:"pausedUntil,omitempty" mapstructure:"-"`
}

// Defaults returns the out-of-the-box settings.
func Defaults() Snapshot {
	return Snapshot{
		Mode:                    ModeBalanced,
		WarningsEnabled:         true,
		BlockHighRisk:           true,
		RequireOverrideTypedSig: false,
		AllowOverrideOnPhishing: false,
		DomainChecks:            true,
	}
}

// Effective applies the mode on top of the individual flags.
func (s Snapshot) Effective() Snapshot {
	out := s
	out.UserAllow = normalizeHosts(s.UserAllow)
	out.UserDeny = normalizeHosts(s.UserDeny)
	if out.Mode == "" {
		out.Mode = ModeBalanced
	}
	switch out.Mode {
	case ModeStrict:
		out.BlockHighRisk = true
		out.RequireOverrideTypedSig = true
		out.DomainChecks = true
		out.WarningsEnabled = true
	case ModeRelaxed:
		out.RequireOverrideTypedSig = false
	}
	return out
}

// Paused reports whether protection is temporarily suspended at now.
func (s Snapshot) Paused(now time.Time) bool {
	return !s.PausedUntil.IsZero() && now.Before(s.PausedUntil)
}

// Protecting reports whether calls should be held for a decision at all.
func (s Snapshot) Protecting(now time.Time) bool {
	return s.Mode != ModeOff && !s.Paused(now)
}

// UserAllowed reports whether host matches the user allow list.
func (s Snapshot) UserAllowed(host string) bool {
	return matchesAny(host, s.UserAllow)
}

// UserDenied reports whether host matches the user deny list.
func (s Snapshot) UserDenied(host string) bool {
	return matchesAny(host, s.UserDeny)
}

// MatchesDomain reports whether host equals domain or is a subdomain of it.
func MatchesDomain(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func matchesAny(host string, list []string) bool {
	for _, d := range list {
		if MatchesDomain(host, d) {
			return true
		}
	}
	return false
}

func normalizeHosts(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, h := range in {
		h = strings.ToLower(strings.TrimSpace(h))
		h = strings.TrimPrefix(h, "*.")
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// Provider supplies the current settings snapshot.
type Provider interface {
	Snapshot() Snapshot
}

// Store is an in-memory Provider whose snapshot can be swapped at runtime.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

// NewStore creates a store seeded with s.
func NewStore(s Snapshot) *Store {
	st := &Store{}
	st.Set(s)
	return st
}

// Snapshot returns the effective current settings.
func (st *Store) Snapshot() Snapshot {
	if p := st.cur.Load(); p != nil {
		return *p
	}
	return Defaults().Effective()
}

// Set replaces the snapshot.
func (st *Store) Set(s Snapshot) {
	eff := s.Effective()
	st.cur.Store(&eff)
}

// Pause suspends protection until now+d.
func (st *Store) Pause(d time.Duration) {
	s := st.Snapshot()
	s.PausedUntil = time.Now().Add(d)
	st.Set(s)
}

// Resume clears a pause.
func (st *Store) Resume() {
	s := st.Snapshot()
	s.PausedUntil = time.Time{}
	st.Set(s)
}

// Static is a fixed Provider.
type Static Snapshot

// Snapshot returns the effective fixed settings.
func (s Static) Snapshot() Snapshot {
	return Snapshot(s).Effective()
}

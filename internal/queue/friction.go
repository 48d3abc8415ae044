package queue

import (
	"errors"
	"time"

	"github.com/mbd888/walletgate/internal/analysis"
)

// DefaultCountdown is how long an acknowledged override waits before the
// proceed control enables.
const DefaultCountdown = 3 * time.Second

var (
	ErrProceedLocked = errors.New("queue: proceed is locked until the risk is acknowledged and the countdown ends")
	ErrHardBlocked   = errors.New("queue: request is blocked and can only be dismissed")
	ErrNotPresented  = errors.New("queue: request is not the one being presented")
	ErrStopped       = errors.New("queue: controller stopped")
)

// GateState is the state of the proceed control.
type GateState string

const (
	GateLocked   GateState = "LOCKED"   // override not yet acknowledged
	GateArmed    GateState = "ARMED"    // acknowledged, countdown running
	GateUnlocked GateState = "UNLOCKED" // proceed enabled
	GateBlocked  GateState = "BLOCKED"  // no proceed path
)

// FrictionGate guards the proceed control of one request. It is driven by
// discrete events (acknowledge, tick) and never by its own timers.
type FrictionGate struct {
	state     GateState
	friction  bool
	countdown time.Duration
	armedAt   time.Time
}

// NewFrictionGate sizes the gate for a verdict: hard blocks have no
// proceed path, verdicts needing an override start LOCKED, everything
// else is free to continue.
func NewFrictionGate(a *analysis.Analysis, countdown time.Duration) *FrictionGate {
	if countdown <= 0 {
		countdown = DefaultCountdown
	}
	g := &FrictionGate{countdown: countdown}
	g.Reconfigure(a)
	return g
}

// Reconfigure applies a newer verdict. Progress already made toward an
// override is kept when the new verdict still needs one.
func (g *FrictionGate) Reconfigure(a *analysis.Analysis) {
	switch {
	case a == nil || a.HardBlock:
		g.state = GateBlocked
		g.friction = true
	case a.RequiresOverride:
		if !g.friction || g.state == GateBlocked {
			g.state = GateLocked
			g.armedAt = time.Time{}
		}
		g.friction = true
	default:
		g.state = GateUnlocked
		g.friction = false
	}
}

// State advances an armed gate whose countdown has elapsed and returns the
// current state.
func (g *FrictionGate) State(now time.Time) GateState {
	if g.state == GateArmed && !now.Before(g.armedAt.Add(g.countdown)) {
		g.state = GateUnlocked
	}
	return g.state
}

// Friction reports whether this gate needed an override.
func (g *FrictionGate) Friction() bool { return g.friction }

// Acknowledge records the override acknowledgment. It is a no-op when the
// gate is already armed or unlocked.
func (g *FrictionGate) Acknowledge(now time.Time) error {
	switch g.State(now) {
	case GateBlocked:
		return ErrHardBlocked
	case GateLocked:
		g.state = GateArmed
		g.armedAt = now
	}
	return nil
}

// Remaining is the countdown left while armed.
func (g *FrictionGate) Remaining(now time.Time) time.Duration {
	if g.State(now) != GateArmed {
		return 0
	}
	return g.armedAt.Add(g.countdown).Sub(now)
}

// Proceed checks that the proceed control is enabled.
func (g *FrictionGate) Proceed(now time.Time) error {
	switch g.State(now) {
	case GateUnlocked:
		return nil
	case GateBlocked:
		return ErrHardBlocked
	default:
		return ErrProceedLocked
	}
}

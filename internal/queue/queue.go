// Package queue serializes gated calls into a single human-facing
// decision flow.
//
// The Controller is an event loop and the only owner of the queue: calls
// arrive from the page link, verdicts arrive from the analysis relay,
// clicks arrive from the decision surface, and timers post back into the
// same loop. Exactly one PendingRequest is presented at a time, in arrival
// order, and each request is resolved by exactly one Decision or expires
// without one.
package queue

import (
	"context"
	"time"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/flow"
	"github.com/mbd888/walletgate/internal/history"
)

// State is the lifecycle state of a PendingRequest.
type State string

const (
	StateArrived   State = "ARRIVED"
	StateAnalyzing State = "ANALYZING"
	StateDecided   State = "DECIDED"
	StateExpired   State = "EXPIRED"
)

// PendingRequest is a call waiting for a decision. It is owned by the
// controller loop; surfaces only ever see a View.
type PendingRequest struct {
	ID        string
	Call      call.Call
	Category  analysis.Category
	ArrivedAt time.Time
	State     State
	Analysis  *analysis.Analysis
	Gate      *FrictionGate
	Merged    bool // folded from a chain switch on the same surface
}

// View is what a surface renders.
type View struct {
	ID        string             `json:"id"`
	Call      call.Call          `json:"call"`
	Analysis  *analysis.Analysis `json:"analysis"`
	Gate      GateState          `json:"gate"`
	Countdown time.Duration      `json:"countdown,omitempty"`
	Waiting   int                `json:"waiting"`
	Merged    bool               `json:"merged,omitempty"`
}

// Surface presents one request at a time. Show replaces whatever is on
// screen; Hide leaves nothing on screen.
type Surface interface {
	Show(v View)
	Hide()
}

// Analyzer computes the authoritative verdict.
type Analyzer interface {
	Analyze(ctx context.Context, c call.Call) (*analysis.Analysis, error)
}

// Provisioner computes the cheap local verdict.
type Provisioner interface {
	Provisional(c call.Call) *analysis.Analysis
}

// Resolver delivers decisions back to the page side.
type Resolver interface {
	Resolve(d call.Decision) bool
}

// HistorySink receives a record per decision. It must not block.
type HistorySink interface {
	Notify(r history.Record) bool
}

// FlowSink receives decided calls for the flow tracker. It must not block.
type FlowSink interface {
	ReportFlow(ev flow.Event)
}

// Config tunes the controller.
type Config struct {
	// AnalyzeTimeout bounds the wait for the authoritative verdict; after
	// it the provisional verdict stays on screen.
	AnalyzeTimeout time.Duration
	// Ceiling is the page-side fail-open ceiling. Requests older than it
	// expire without a decision.
	Ceiling time.Duration
	// SettleDelay separates two consecutive surfaces.
	SettleDelay time.Duration
	// Countdown is the friction gate countdown.
	Countdown time.Duration
	// MergeWindow is how recent a chain switch must be to fold into a
	// following transaction.
	MergeWindow time.Duration
	// MaxPending bounds the queue; extra calls are denied.
	MaxPending int
	// PerOriginPerMinute and PerOriginBurst throttle prompt floods.
	PerOriginPerMinute int
	PerOriginBurst     int
	// SweepInterval is how often expiry is checked.
	SweepInterval time.Duration
}

// DefaultConfig returns the shipped settings.
func DefaultConfig() Config {
	return Config{
		AnalyzeTimeout:     8 * time.Second,
		Ceiling:            120 * time.Second,
		SettleDelay:        300 * time.Millisecond,
		Countdown:          DefaultCountdown,
		MergeWindow:        flow.DefaultTTL,
		MaxPending:         64,
		PerOriginPerMinute: 60,
		PerOriginBurst:     20,
		SweepInterval:      time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AnalyzeTimeout <= 0 {
		c.AnalyzeTimeout = d.AnalyzeTimeout
	}
	if c.Ceiling <= 0 {
		c.Ceiling = d.Ceiling
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.Countdown <= 0 {
		c.Countdown = d.Countdown
	}
	if c.MergeWindow <= 0 {
		c.MergeWindow = d.MergeWindow
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.PerOriginPerMinute <= 0 {
		c.PerOriginPerMinute = d.PerOriginPerMinute
	}
	if c.PerOriginBurst <= 0 {
		c.PerOriginBurst = d.PerOriginBurst
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

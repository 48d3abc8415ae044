package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/idgen"
	"github.com/mbd888/walletgate/internal/logging"
)

// DefaultCeiling is how long the page side waits for a decision before
// failing open.
const DefaultCeiling = 120 * time.Second

// PageLink is hop 1: the interceptor submits calls, the queue controller
// reads them from Messages and answers through Resolve.
type PageLink struct {
	ceiling time.Duration
	out     chan GateMessage
	waiters *Correlator[call.Decision]
	logger  *slog.Logger
}

// NewPageLink creates a link. ceiling <= 0 uses DefaultCeiling.
func NewPageLink(ceiling time.Duration, buffer int, logger *slog.Logger) *PageLink {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &PageLink{
		ceiling: ceiling,
		out:     make(chan GateMessage, buffer),
		waiters: NewCorrelator[call.Decision](),
		logger:  logging.Or(logger),
	}
}

// Ceiling returns the fail-open ceiling.
func (l *PageLink) Ceiling() time.Duration { return l.ceiling }

// Messages is the stream of calls awaiting a decision.
func (l *PageLink) Messages() <-chan GateMessage { return l.out }

// Submit posts c and waits for its decision. When no decision arrives
// within the ceiling it returns a relay Error wrapping ErrTimeout; the
// caller decides how to fail open.
func (l *PageLink) Submit(ctx context.Context, c call.Call) (call.Decision, error) {
	id := idgen.Correlation()
	ch, cancel := l.waiters.Register(id)
	defer cancel()

	timer := time.NewTimer(l.ceiling)
	defer timer.Stop()

	msg := GateMessage{ID: id, Call: c, SentAt: time.Now()}
	select {
	case l.out <- msg:
	case <-timer.C:
		return call.Decision{ID: id}, relayErr(HopPage, "post", ErrTimeout)
	case <-ctx.Done():
		return call.Decision{ID: id}, ctx.Err()
	}
	l.logger.Debug("call posted", "correlation_id", id, "method", c.Method, "host", c.Host)

	select {
	case d := <-ch:
		return d, nil
	case <-timer.C:
		return call.Decision{ID: id}, relayErr(HopPage, "await", ErrTimeout)
	case <-ctx.Done():
		return call.Decision{ID: id}, ctx.Err()
	}
}

// Resolve delivers d to its waiting call. Unknown, expired, and repeated
// ids are ignored and reported as false.
func (l *PageLink) Resolve(d call.Decision) bool {
	ok := l.waiters.Resolve(d.ID, d)
	if !ok {
		l.logger.Debug("decision for unknown call ignored", "correlation_id", d.ID)
	}
	return ok
}

// Pending returns the number of calls awaiting a decision.
func (l *PageLink) Pending() int { return l.waiters.Pending() }

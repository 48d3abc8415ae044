// Package interceptor wraps wallet providers so that every
// security-sensitive call is held until a decision arrives.
//
// A wrapped provider normalizes each invocation, whatever call shape the
// page used, into a canonical method and params. Calls outside the gated
// set pass straight through. Gated calls are submitted to a Gate and only
// forwarded when allowed. When no decision arrives before the gate's
// ceiling the call is forwarded anyway (fail-open) and logged as a
// timeout. A denial always surfaces as call.ErrUserRejected (code 4001).
package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/relay"
)

// Gate decides gated calls. relay.PageLink implements it.
type Gate interface {
	Submit(ctx context.Context, c call.Call) (call.Decision, error)
}

// Wrapped marks a provider that is already gated.
type Wrapped interface {
	Provider
	Unwrap() Provider
}

// Options configures a wrapped provider.
type Options struct {
	// Origin is used when the context carries none.
	Origin string
	// ChainID reports the provider's current chain, if known.
	ChainID func(ctx context.Context) string
}

type ctxKey int

const originKey ctxKey = iota

// WithOrigin tags ctx with the calling page origin.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

// OriginFrom returns the page origin on ctx.
func OriginFrom(ctx context.Context) string {
	o, _ := ctx.Value(originKey).(string)
	return o
}

type gated struct {
	inner  Provider
	gate   Gate
	opts   Options
	logger *slog.Logger
}

// Wrap gates p. Wrapping an already wrapped provider returns it unchanged.
func Wrap(p Provider, gate Gate, opts Options, logger *slog.Logger) Provider {
	if p == nil {
		return nil
	}
	if w, ok := p.(Wrapped); ok {
		return w
	}
	return &gated{inner: p, gate: gate, opts: opts, logger: logging.Or(logger)}
}

// IsWrapped reports whether p is gated.
func IsWrapped(p Provider) bool {
	_, ok := p.(Wrapped)
	return ok
}

func (g *gated) Unwrap() Provider { return g.inner }

func (g *gated) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	canon, ok := Normalize(inv)
	if !ok || !call.IsGated(canon.Method) {
		return g.inner.Invoke(ctx, inv)
	}

	origin := OriginFrom(ctx)
	if origin == "" {
		origin = g.opts.Origin
	}
	c := call.New(canon.Method, canon.Params, canon.Shape, origin)
	if g.opts.ChainID != nil {
		c.ChainID = g.opts.ChainID(ctx)
	}
	metrics.CallsInterceptedTotal.WithLabelValues(c.Method, string(c.Shape)).Inc()

	d, err := g.gate.Submit(ctx, c)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// the page went away; nothing to forward to
		return nil, err
	default:
		reason := "relay"
		if errors.Is(err, relay.ErrTimeout) {
			reason = "timeout"
		}
		metrics.FailOpenTotal.WithLabelValues(reason).Inc()
		g.logger.Warn("no decision received, forwarding call (fail-open)",
			"reason", reason,
			"correlation_id", d.ID,
			"method", c.Method,
			"host", c.Host,
			"error", err,
		)
		return g.inner.Invoke(ctx, inv)
	}

	if d.Allow {
		return g.inner.Invoke(ctx, inv)
	}

	rejection := call.Rejected(d.Reason)
	g.logger.Info("call rejected", "correlation_id", d.ID, "method", c.Method, "host", c.Host, "source", d.Source)
	if inv.Callback != nil {
		inv.Callback(nil, rejection)
	}
	return nil, rejection
}

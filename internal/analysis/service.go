package analysis

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/flow"
	"github.com/mbd888/walletgate/internal/intel"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/price"
	"github.com/mbd888/walletgate/internal/settings"
	"github.com/mbd888/walletgate/internal/traces"
)

// Service runs the engine against live collaborators. It pulls a fresh
// settings and intel snapshot for every call.
type Service struct {
	engine   *Engine
	settings settings.Provider
	intel    intel.Source
	flow     *flow.Tracker
	prices   price.Lookup
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the engine to its collaborators. Nil collaborators
// fall back to defaults, empty intel, a fresh tracker, and no prices.
func NewService(engine *Engine, s settings.Provider, src intel.Source, tracker *flow.Tracker, prices price.Lookup, logger *slog.Logger) *Service {
	logger = logging.Or(logger)
	if engine == nil {
		engine = NewEngine(logger)
	}
	if s == nil {
		s = settings.Static(settings.Defaults())
	}
	if src == nil {
		src = intel.NewStore(nil)
	}
	if tracker == nil {
		tracker = flow.NewTracker(flow.DefaultTTL)
	}
	if prices == nil {
		prices = price.None{}
	}
	return &Service{
		engine:   engine,
		settings: s,
		intel:    src,
		flow:     tracker,
		prices:   prices,
		logger:   logger,
		now:      time.Now,
	}
}

// Engine returns the underlying engine.
func (s *Service) Engine() *Engine { return s.engine }

// Flow returns the tracker fed by RecordFlow.
func (s *Service) Flow() *flow.Tracker { return s.flow }

// Settings returns the current settings snapshot.
func (s *Service) Settings() settings.Snapshot { return s.settings.Snapshot() }

// Intel returns the current intel snapshot.
func (s *Service) Intel() *intel.Snapshot { return s.intel.Snapshot() }

// Analyze computes the authoritative verdict for c.
func (s *Service) Analyze(ctx context.Context, c call.Call) *Analysis {
	ctx, span := traces.StartSpan(ctx, "analysis.Analyze",
		traces.Method(c.Method),
		traces.Host(c.Host),
	)
	defer span.End()

	start := s.now()
	if c.Host == "" && c.Origin != "" {
		c.Host = call.HostOf(c.Origin)
	}

	in := Input{
		Call:     c,
		Settings: s.settings.Snapshot(),
		Intel:    s.intel.Snapshot(),
		Flow:     s.flow.Context(c.Origin, start),
		Now:      start,
	}
	if Classify(c) == CategorySendTransaction {
		chain := c.ChainID
		if tx, ok := ParseTx(c); ok && tx.ChainID != "" {
			chain = tx.ChainID
		}
		in.NativeUSD = s.prices.NativeUSD(ctx, strings.ToLower(chain))
	}

	a := s.engine.Analyze(in)

	metrics.VerdictsTotal.WithLabelValues(string(a.Category), string(a.Recommendation)).Inc()
	metrics.AnalysisDuration.WithLabelValues(string(a.Category)).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		traces.Category(string(a.Category)),
		traces.Recommendation(string(a.Recommendation)),
	)
	logging.L(ctx).Debug("call analyzed",
		"method", c.Method,
		"host", c.Host,
		"category", a.Category,
		"recommendation", a.Recommendation,
		"score", a.Score,
		"verification", a.Verification,
	)
	return a
}

// Provisional computes the cheap local verdict for c against the current
// intel snapshot, without flow context or prices.
func (s *Service) Provisional(c call.Call) *Analysis {
	return s.engine.Provisional(c, s.settings.Snapshot(), s.intel.Snapshot())
}

// RecordFlow feeds the flow tracker. It is called once a call is decided
// so later calls from the same origin can see it.
func (s *Service) RecordFlow(ev flow.Event) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.flow.Record(ev)
}

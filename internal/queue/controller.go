package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/flow"
	"github.com/mbd888/walletgate/internal/history"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/ratelimit"
	"github.com/mbd888/walletgate/internal/relay"
	"github.com/mbd888/walletgate/internal/settings"
)

// Decision reasons produced without a human.
const (
	reasonProtectionOff    = "protection is off"
	reasonProtectionPaused = "protection is paused"
	reasonWarningsOff      = "warnings are disabled"
	reasonAutoAllow        = "verdict allows it"
	reasonMerged           = "folded into the following transaction"
	reasonFlood            = "too many requests from this site"
	reasonQueueFull        = "too many pending requests"
	reasonDismissed        = "dismissed"
	reasonSurfaceClosed    = "no decision surface"
)

// Human actions.
type action int

const (
	actAllow action = iota
	actDeny
	actAcknowledge
)

type (
	verdict struct {
		id  string
		a   *analysis.Analysis
		err error
	}
	humanEvent struct {
		id    string
		act   action
		reply chan error
	}
	gateTick    struct{ id string }
	settleDone  struct{}
	snapshotReq struct{ reply chan []View }
	dismissReq  struct{ reply chan int }
	settingsChg struct{}
)

// Controller is the request queue and overlay controller.
type Controller struct {
	cfg      Config
	resolver Resolver
	analyzer Analyzer
	local    Provisioner
	settings settings.Provider
	surface  Surface
	history  HistorySink
	flows    FlowSink
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	now      func() time.Time

	events chan any
	done   chan struct{}

	// loop-owned
	queue    []*PendingRequest
	rendered *PendingRequest
	settling bool
	closed   bool
	ctx      context.Context
}

// New creates a controller. Run must be called to start it.
func New(cfg Config, resolver Resolver, analyzer Analyzer, local Provisioner, s settings.Provider, surface Surface, logger *slog.Logger) *Controller {
	cfg = cfg.withDefaults()
	if s == nil {
		s = settings.Static(settings.Defaults())
	}
	return &Controller{
		cfg:      cfg,
		resolver: resolver,
		analyzer: analyzer,
		local:    local,
		settings: s,
		surface:  surface,
		limiter: ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.PerOriginPerMinute,
			BurstSize:         cfg.PerOriginBurst,
		}),
		logger: logging.Or(logger),
		now:    time.Now,
		events: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// WithHistory sets the decision history sink.
func (c *Controller) WithHistory(h HistorySink) *Controller {
	c.history = h
	return c
}

// WithFlowSink sets where decided calls are reported.
func (c *Controller) WithFlowSink(f FlowSink) *Controller {
	c.flows = f
	return c
}

// Run consumes calls from in until ctx is done or in is closed.
func (c *Controller) Run(ctx context.Context, in <-chan relay.GateMessage) {
	defer close(c.done)
	defer c.limiter.Stop()
	c.ctx = ctx

	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()

	c.logger.Info("queue controller started")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case msg, ok := <-in:
			if !ok {
				c.shutdown()
				return
			}
			c.onArrival(msg)
		case ev := <-c.events:
			c.dispatch(ev)
		case <-sweep.C:
			c.expire()
		}
		metrics.QueueDepth.Set(float64(len(c.queue)))
	}
}

func (c *Controller) dispatch(ev any) {
	switch e := ev.(type) {
	case verdict:
		c.onVerdict(e)
	case humanEvent:
		e.reply <- c.onHuman(e)
	case gateTick:
		if c.rendered != nil && c.rendered.ID == e.id {
			c.show(c.rendered)
		}
	case settleDone:
		c.settling = false
		c.renderHead()
	case snapshotReq:
		e.reply <- c.views()
	case dismissReq:
		e.reply <- c.dismissAll()
	case settingsChg:
		c.reevaluate()
	}
}

// shutdown leaves pending calls to fail open on the page side.
func (c *Controller) shutdown() {
	if c.rendered != nil {
		c.surface.Hide()
	}
	c.queue = nil
	c.rendered = nil
	metrics.QueueDepth.Set(0)
	c.logger.Info("queue controller stopped")
}

// post delivers an event to the loop unless it has stopped.
func (c *Controller) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) onArrival(msg relay.GateMessage) {
	now := c.now()
	pr := &PendingRequest{
		ID:        msg.ID,
		Call:      msg.Call,
		Category:  analysis.Classify(msg.Call),
		ArrivedAt: now,
		State:     StateArrived,
	}
	log := c.logger.With("correlation_id", pr.ID, "method", pr.Call.Method, "host", pr.Call.Host)

	s := c.settings.Snapshot()
	if !s.Protecting(now) {
		reason := reasonProtectionOff
		if s.Paused(now) {
			reason = reasonProtectionPaused
		}
		c.emit(pr, call.Allowed(pr.ID, call.SourcePolicy, reason))
		return
	}
	if c.closed {
		c.emit(pr, call.Denied(pr.ID, call.SourcePolicy, reasonSurfaceClosed))
		return
	}
	if !c.limiter.Allow(pr.Call.Host) {
		log.Warn("prompt flood throttled")
		c.emit(pr, call.Denied(pr.ID, call.SourcePolicy, reasonFlood))
		return
	}
	if len(c.queue) >= c.cfg.MaxPending {
		log.Warn("queue full, call denied", "pending", len(c.queue))
		c.emit(pr, call.Denied(pr.ID, call.SourcePolicy, reasonQueueFull))
		return
	}

	pr.State = StateAnalyzing
	c.startAnalysis(pr)

	if pr.Category == analysis.CategorySendTransaction {
		if i := c.mergeCandidate(pr); i >= 0 {
			c.merge(i, pr)
			return
		}
	}

	c.queue = append(c.queue, pr)
	log.Debug("call queued", "position", len(c.queue))
	c.renderHead()
}

// mergeCandidate finds a pending chain switch or add from the same site
// that the transaction pr makes redundant.
func (c *Controller) mergeCandidate(pr *PendingRequest) int {
	for i := len(c.queue) - 1; i >= 0; i-- {
		q := c.queue[i]
		if q.Category.IsChainChange() &&
			q.Call.Host != "" && q.Call.Host == pr.Call.Host &&
			pr.ArrivedAt.Sub(q.ArrivedAt) <= c.cfg.MergeWindow {
			return i
		}
	}
	return -1
}

// merge allows the chain change at queue[i] and puts pr in its place. A
// presented chain change hands its surface straight to pr.
func (c *Controller) merge(i int, pr *PendingRequest) {
	sw := c.queue[i]
	c.queue[i] = pr
	pr.Merged = true
	c.emit(sw, call.Allowed(sw.ID, call.SourceMerged, reasonMerged))
	c.logger.Info("chain change folded into transaction",
		"switch_id", sw.ID, "correlation_id", pr.ID, "host", pr.Call.Host)

	if c.rendered == sw {
		c.rendered = pr
		c.ensureVerdict(pr)
		c.show(pr)
	}
}

func (c *Controller) startAnalysis(pr *PendingRequest) {
	if c.analyzer == nil {
		return
	}
	id, cl := pr.ID, pr.Call
	go func() {
		ctx, cancel := context.WithTimeout(logging.WithCorrelationID(c.ctx, id), c.cfg.AnalyzeTimeout)
		defer cancel()
		a, err := c.analyzer.Analyze(ctx, cl)
		c.post(verdict{id: id, a: a, err: err})
	}()
}

func (c *Controller) onVerdict(v verdict) {
	pr := c.find(v.id)
	if pr == nil {
		// decided, merged or expired while the analysis was in flight
		c.logger.Debug("verdict for a request no longer queued", "correlation_id", v.id)
		return
	}
	if v.err != nil || v.a == nil {
		c.logger.Warn("authoritative verdict unavailable, keeping provisional",
			"correlation_id", pr.ID, "error", v.err)
		if pr.Analysis == nil {
			c.ensureVerdict(pr)
		}
		return
	}

	pr.Analysis = v.a
	if pr.Gate == nil {
		pr.Gate = NewFrictionGate(v.a, c.cfg.Countdown)
	} else {
		pr.Gate.Reconfigure(v.a)
	}

	switch {
	case v.a.Recommendation == analysis.RecommendAllow && !v.a.Category.StateChanging():
		c.decide(pr, call.Allowed(pr.ID, call.SourceAuto, reasonAutoAllow))
	case !c.settings.Snapshot().Effective().WarningsEnabled && quietAllowed(v.a):
		c.decide(pr, call.Allowed(pr.ID, call.SourcePolicy, reasonWarningsOff))
	case pr == c.rendered:
		c.show(pr)
	}
}

// quietAllowed reports whether a with warnings turned off may pass without
// the surface. High-level verdicts keep their friction gate.
func quietAllowed(a *analysis.Analysis) bool {
	if a.HardBlock || a.RequiresOverride || a.Level == analysis.LevelHigh {
		return false
	}
	return a.Recommendation == analysis.RecommendAllow || a.Recommendation == analysis.RecommendWarn
}

func (c *Controller) onHuman(e humanEvent) error {
	pr := c.rendered
	if pr == nil || pr.ID != e.id {
		return ErrNotPresented
	}
	now := c.now()
	switch e.act {
	case actDeny:
		c.decide(pr, call.Denied(pr.ID, call.SourceHuman, reasonDismissed))
		return nil
	case actAcknowledge:
		if err := pr.Gate.Acknowledge(now); err != nil {
			return err
		}
		if left := pr.Gate.Remaining(now); left > 0 {
			id := pr.ID
			time.AfterFunc(left, func() { c.post(gateTick{id: id}) })
		}
		c.show(pr)
		return nil
	default:
		if err := pr.Gate.Proceed(now); err != nil {
			return err
		}
		c.decide(pr, call.Allowed(pr.ID, call.SourceHuman, ""))
		return nil
	}
}

// decide removes pr from the queue and emits d. A presented request frees
// the surface and the next one follows after the settle delay.
func (c *Controller) decide(pr *PendingRequest, d call.Decision) {
	c.remove(pr)
	c.emit(pr, d)
	if c.rendered == pr {
		c.rendered = nil
		c.surface.Hide()
		c.settle()
	}
}

// emit feeds the side sinks and sends exactly one decision for pr.
func (c *Controller) emit(pr *PendingRequest, d call.Decision) {
	pr.State = StateDecided
	metrics.DecisionsTotal.WithLabelValues(metrics.Outcome(d.Allow), string(d.Source)).Inc()

	lvl := slog.LevelDebug
	if d.Source == call.SourceHuman {
		lvl = slog.LevelInfo
	}
	c.logger.Log(c.ctx, lvl, "call decided",
		"correlation_id", d.ID,
		"method", pr.Call.Method,
		"host", pr.Call.Host,
		"allow", d.Allow,
		"source", d.Source,
	)

	if c.history != nil {
		c.history.Notify(history.NewRecord(pr.Call, pr.Analysis, d))
	}
	if c.flows != nil {
		ev := flow.Event{Origin: pr.Call.Origin, Method: pr.Call.Method, ChainID: pr.Call.ChainID, At: d.DecidedAt}
		if pr.Category.IsChainChange() {
			ev.ChainID = analysis.TargetChain(pr.Call)
		}
		c.flows.ReportFlow(ev)
	}
	if !c.resolver.Resolve(d) {
		c.logger.Debug("decision had no waiter", "correlation_id", d.ID)
	}
}

func (c *Controller) settle() {
	if len(c.queue) == 0 {
		return
	}
	if c.cfg.SettleDelay == 0 {
		c.renderHead()
		return
	}
	c.settling = true
	time.AfterFunc(c.cfg.SettleDelay, func() { c.post(settleDone{}) })
}

// renderHead presents the oldest request when nothing is on screen.
func (c *Controller) renderHead() {
	if c.rendered != nil || c.settling || len(c.queue) == 0 {
		return
	}
	pr := c.queue[0]
	c.rendered = pr
	c.ensureVerdict(pr)
	c.show(pr)
}

// ensureVerdict fills in the provisional verdict when nothing better has
// arrived yet.
func (c *Controller) ensureVerdict(pr *PendingRequest) {
	if pr.Analysis != nil {
		return
	}
	if c.local != nil {
		pr.Analysis = c.local.Provisional(pr.Call)
	}
	if pr.Analysis == nil {
		pr.Analysis = &analysis.Analysis{
			Level:            analysis.LevelHigh,
			Score:            analysis.DefaultTuning().HighFloor,
			Recommendation:   analysis.RecommendHigh,
			Category:         pr.Category,
			RequiresOverride: true,
			Verification:     analysis.VerificationNone,
			Provisional:      true,
		}
	}
	pr.Gate = NewFrictionGate(pr.Analysis, c.cfg.Countdown)
}

func (c *Controller) show(pr *PendingRequest) {
	c.surface.Show(c.view(pr))
}

func (c *Controller) view(pr *PendingRequest) View {
	now := c.now()
	v := View{
		ID:       pr.ID,
		Call:     pr.Call,
		Analysis: pr.Analysis,
		Waiting:  len(c.queue) - 1,
		Merged:   pr.Merged,
	}
	if pr.Gate != nil {
		v.Gate = pr.Gate.State(now)
		v.Countdown = pr.Gate.Remaining(now)
	}
	if v.Waiting < 0 {
		v.Waiting = 0
	}
	return v
}

func (c *Controller) views() []View {
	out := make([]View, 0, len(c.queue))
	for _, pr := range c.queue {
		out = append(out, c.view(pr))
	}
	return out
}

// expire drops requests the page has already failed open on. No decision
// is emitted for them.
func (c *Controller) expire() {
	now := c.now()
	kept := c.queue[:0]
	var expiredRendered bool
	for _, pr := range c.queue {
		if now.Sub(pr.ArrivedAt) >= c.cfg.Ceiling {
			pr.State = StateExpired
			c.logger.Warn("request expired without a decision",
				"correlation_id", pr.ID, "method", pr.Call.Method, "host", pr.Call.Host)
			if pr == c.rendered {
				expiredRendered = true
			}
			continue
		}
		kept = append(kept, pr)
	}
	for i := len(kept); i < len(c.queue); i++ {
		c.queue[i] = nil
	}
	c.queue = kept
	if expiredRendered {
		c.rendered = nil
		c.surface.Hide()
		c.settle()
	}
}

// dismissAll denies everything queued as if the user had rejected each
// request, and denies later arrivals while protection is on.
func (c *Controller) dismissAll() int {
	pending := c.queue
	c.queue = nil
	if c.rendered != nil {
		c.rendered = nil
		c.surface.Hide()
	}
	c.settling = false
	c.closed = true
	for _, pr := range pending {
		c.emit(pr, call.Denied(pr.ID, call.SourceHuman, reasonDismissed))
	}
	c.logger.Warn("decision surface closed, pending calls denied", "count", len(pending))
	return len(pending)
}

// reevaluate applies the current settings to requests already queued.
// Turning protection off or pausing it allows them all.
func (c *Controller) reevaluate() {
	now := c.now()
	s := c.settings.Snapshot()
	if !s.Protecting(now) {
		reason := reasonProtectionOff
		if s.Paused(now) {
			reason = reasonProtectionPaused
		}
		pending := c.queue
		c.queue = nil
		if c.rendered != nil {
			c.rendered = nil
			c.surface.Hide()
		}
		c.settling = false
		for _, pr := range pending {
			c.emit(pr, call.Allowed(pr.ID, call.SourcePolicy, reason))
		}
		return
	}
	if s.Effective().WarningsEnabled {
		return
	}
	for _, pr := range append([]*PendingRequest(nil), c.queue...) {
		if pr.Analysis != nil && !pr.Analysis.Provisional && quietAllowed(pr.Analysis) {
			c.decide(pr, call.Allowed(pr.ID, call.SourcePolicy, reasonWarningsOff))
		}
	}
}

func (c *Controller) find(id string) *PendingRequest {
	for _, pr := range c.queue {
		if pr.ID == id {
			return pr
		}
	}
	return nil
}

func (c *Controller) remove(pr *PendingRequest) {
	for i, q := range c.queue {
		if q == pr {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// Allow proceeds with the presented request.
func (c *Controller) Allow(ctx context.Context, id string) error {
	return c.human(ctx, id, actAllow)
}

// Deny dismisses the presented request. Dismissal is always possible.
func (c *Controller) Deny(ctx context.Context, id string) error {
	return c.human(ctx, id, actDeny)
}

// Acknowledge records the override acknowledgment for the presented
// request and starts its countdown.
func (c *Controller) Acknowledge(ctx context.Context, id string) error {
	return c.human(ctx, id, actAcknowledge)
}

func (c *Controller) human(ctx context.Context, id string, act action) error {
	reply := make(chan error, 1)
	select {
	case c.events <- humanEvent{id: id, act: act, reply: reply}:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DismissAll denies every queued request on the user's behalf. Calls that
// arrive afterwards are denied while protection is on. It returns how many
// requests were dismissed.
func (c *Controller) DismissAll(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case c.events <- dismissReq{reply: reply}:
	case <-c.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-reply:
		return n, nil
	case <-c.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SettingsChanged asks the controller to apply new settings to the
// requests already queued.
func (c *Controller) SettingsChanged() {
	c.post(settingsChg{})
}

// Pending returns a view of every queued request, oldest first.
func (c *Controller) Pending(ctx context.Context) ([]View, error) {
	reply := make(chan []View, 1)
	select {
	case c.events <- snapshotReq{reply: reply}:
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

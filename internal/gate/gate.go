// Package gate assembles the wallet-side process: the JSON-RPC proxy dApps
// talk to, the interceptor wrapped around every wallet provider, the queue
// controller that owns the decision surface, and the relay client that
// reaches the background analysis service.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/config"
	"github.com/mbd888/walletgate/internal/flow"
	"github.com/mbd888/walletgate/internal/idgen"
	"github.com/mbd888/walletgate/internal/intel"
	"github.com/mbd888/walletgate/internal/interceptor"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/price"
	"github.com/mbd888/walletgate/internal/queue"
	"github.com/mbd888/walletgate/internal/ratelimit"
	"github.com/mbd888/walletgate/internal/relay"
	"github.com/mbd888/walletgate/internal/rpcproxy"
	"github.com/mbd888/walletgate/internal/settings"
	"github.com/mbd888/walletgate/internal/surface"
)

// Gate is the wallet-side process.
type Gate struct {
	cfg        *config.Config
	settings   *settings.Store
	engine     *analysis.Engine
	policy     *config.PolicyLoader
	link       *relay.PageLink
	client     *relay.Client
	controller *queue.Controller
	terminal   *surface.Terminal
	slot       *interceptor.Slot
	registry   *interceptor.Registry
	prober     *interceptor.Prober
	upstreams  []*rpcproxy.Upstream
	limiter    *ratelimit.Limiter
	router     *gin.Engine
	httpSrv    *http.Server
	out        io.Writer
	logger     *slog.Logger
}

// Option configures the gate
type Option func(*Gate)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithOutput sets where the decision surface is drawn. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(g *Gate) {
		g.out = w
	}
}

// WithUpstream injects the primary wallet instead of dialing UPSTREAM_RPC.
func WithUpstream(u *rpcproxy.Upstream) Option {
	return func(g *Gate) {
		g.upstreams = append(g.upstreams, u)
	}
}

// New builds the gate. Extra upstreams from UPSTREAMS are dialed and
// announced as additional providers.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Gate, error) {
	g := &Gate{cfg: cfg, out: os.Stdout}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	// Local policy, watched so edits apply without a restart
	policy := config.DefaultPolicy()
	if cfg.PolicyFile != "" {
		g.policy = config.NewPolicyLoader(cfg.PolicyFile, g.logger)
		p, err := g.policy.Load()
		if err != nil {
			return nil, err
		}
		policy = p
	}
	g.settings = settings.NewStore(policy.Settings)
	g.engine = analysis.NewEngine(g.logger).WithTuning(policy.Tuning)

	// Provisional verdicts only need settings and the built-in lists
	local := analysis.NewService(g.engine, g.settings, intel.NewStore(intel.Seed()),
		flow.NewTracker(flow.DefaultTTL), price.None{}, g.logger)

	g.link = relay.NewPageLink(cfg.FailOpenCeiling, 0, g.logger)
	g.client = relay.NewClient(relay.ClientConfig{
		BaseURL: cfg.BackgroundURL,
		Token:   cfg.RelayToken,
		Timeout: cfg.AnalyzeTimeout / 2,
	}, g.logger)

	g.terminal = surface.NewTerminal(g.out, g.logger).WithProtection(protection{g})
	g.controller = queue.New(queue.Config{
		AnalyzeTimeout: cfg.AnalyzeTimeout,
		Ceiling:        cfg.FailOpenCeiling,
		SettleDelay:    cfg.SettleDelay,
		Countdown:      cfg.Countdown,
	}, g.link, g.client, local, g.settings, g.terminal, g.logger).
		WithHistory(g.client).
		WithFlowSink(g.client)

	// Providers
	g.slot = interceptor.NewSlot()
	g.registry = interceptor.NewRegistry()
	if len(g.upstreams) == 0 && cfg.UpstreamRPC != "" {
		u, err := rpcproxy.Dial(ctx, cfg.UpstreamRPC)
		if err != nil {
			return nil, err
		}
		g.upstreams = append(g.upstreams, u)
	}
	if len(g.upstreams) > 0 {
		g.slot.Set(g.upstreams[0])
	}

	extras, err := rpcproxy.ParseEndpoints(cfg.Upstreams)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("invalid UPSTREAMS: %w", err)
	}
	for _, ep := range extras {
		u, err := rpcproxy.Dial(ctx, ep.URL)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("upstream %s: %w", ep.Name, err)
		}
		g.upstreams = append(g.upstreams, u)
		g.registry.Announce(interceptor.Announcement{
			UUID:     idgen.Hex(16),
			Name:     ep.Name,
			RDNS:     "local." + ep.Name,
			Provider: u,
		})
	}
	g.prober = interceptor.NewProber(g.slot, g.registry, g.wrap, g.logger)
	g.prober.Probe()

	// dApp-facing JSON-RPC
	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	rl := ratelimit.DefaultConfig()
	if cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = cfg.RateLimitRPM
	}
	g.limiter = ratelimit.New(rl)

	g.router = gin.New()
	g.router.Use(gin.Recovery())
	g.router.Use(metrics.Middleware())
	g.router.Use(g.limiter.Middleware(ratelimit.ByOrigin))
	g.router.GET("/metrics", metrics.Handler())
	rpcproxy.New(g.slot, g.registry, g.logger).Register(g.router)

	return g, nil
}

// wrap gates p on the page link, reporting the chain of the upstream it
// fronts.
func (g *Gate) wrap(p interceptor.Provider) interceptor.Provider {
	var opts interceptor.Options
	if u, ok := p.(*rpcproxy.Upstream); ok {
		opts.ChainID = u.ChainID
	}
	return interceptor.Wrap(p, g.link, opts, g.logger)
}

// Router returns the dApp-facing router for testing
func (g *Gate) Router() *gin.Engine {
	return g.router
}

// Settings returns the live settings store.
func (g *Gate) Settings() *settings.Store {
	return g.settings
}

// start launches the controller, the prober and the terminal. The
// terminal reads commands from in; a nil in leaves the surface display-only.
func (g *Gate) start(ctx context.Context, in io.Reader) {
	go g.controller.Run(ctx, g.link.Messages())
	go g.prober.Run(ctx)

	if g.policy != nil {
		apply := config.Applier(g.settings, g.engine)
		g.policy.Watch(func(p config.Policy) {
			apply(p)
			g.controller.SettingsChanged()
		})
	}

	if in != nil {
		go func() {
			err := g.terminal.Run(ctx, in, g.controller)
			switch {
			case errors.Is(err, queue.ErrStopped), errors.Is(err, context.Canceled):
				return
			case err != nil:
				g.logger.Warn("surface input failed", "error", err)
			}
			n, err := g.controller.DismissAll(ctx)
			if err != nil {
				return
			}
			g.logger.Warn("surface input closed, gated calls are denied from now on", "dismissed", n)
		}()
	}
}

// protection lets the surface pause from the terminal. Queued requests
// are released as soon as the pause starts.
type protection struct{ g *Gate }

func (p protection) Pause(_ context.Context, d time.Duration) error {
	p.g.settings.Pause(d)
	p.g.controller.SettingsChanged()
	return nil
}

func (p protection) Resume(context.Context) error {
	p.g.settings.Resume()
	p.g.controller.SettingsChanged()
	return nil
}

// Run serves dApps until a signal arrives or ctx is done.
func (g *Gate) Run(ctx context.Context, in io.Reader) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.start(runCtx, in)

	g.httpSrv = &http.Server{
		Addr:              "127.0.0.1:" + g.cfg.GatePort,
		Handler:           g.router,
		ReadHeaderTimeout: 5 * time.Second,
		// a gated call can wait for a human up to the fail-open ceiling
		WriteTimeout: g.cfg.FailOpenCeiling + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		g.logger.Info("gate listening", "addr", g.httpSrv.Addr, "background", g.cfg.BackgroundURL)
		if err := g.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-errChan:
		runErr = fmt.Errorf("gate error: %w", err)
	case sig := <-sigChan:
		g.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		g.logger.Info("context cancelled")
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := g.httpSrv.Shutdown(shutdownCtx); err != nil {
		g.logger.Error("shutdown error", "error", err)
	}
	g.Close()
	g.logger.Info("gate stopped")
	return runErr
}

// Close releases upstream connections and the relay port.
func (g *Gate) Close() {
	if g.client != nil {
		g.client.Close()
	}
	for _, u := range g.upstreams {
		u.Close()
	}
	if g.limiter != nil {
		g.limiter.Stop()
	}
}

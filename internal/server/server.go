// Package server sets up the background service: the analysis endpoints,
// the persistent relay port, decision history and intel status.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/auth"
	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/config"
	"github.com/mbd888/walletgate/internal/flow"
	"github.com/mbd888/walletgate/internal/health"
	"github.com/mbd888/walletgate/internal/history"
	"github.com/mbd888/walletgate/internal/intel"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/price"
	"github.com/mbd888/walletgate/internal/ratelimit"
	"github.com/mbd888/walletgate/internal/relay"
	"github.com/mbd888/walletgate/internal/security"
	"github.com/mbd888/walletgate/internal/settings"
	"github.com/mbd888/walletgate/internal/validation"
)

// Version is reported by the health endpoint.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	settings     *settings.Store
	engine       *analysis.Engine
	service      *analysis.Service
	intel        *intel.Store
	refresher    *intel.Refresher
	history      history.Store
	closeHistory func() error
	notifier     *history.Notifier
	hub          *relay.Hub
	health       *health.Registry
	guard        *auth.Guard
	policy       *config.PolicyLoader
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHistory sets the decision store (for testing)
func WithHistory(store history.Store) Option {
	return func(s *Server) {
		s.history = store
	}
}

// WithIntel sets the intel store (for testing)
func WithIntel(store *intel.Store) Option {
	return func(s *Server) {
		s.intel = store
	}
}

// WithSettings sets the settings store (for testing)
func WithSettings(store *settings.Store) Option {
	return func(s *Server) {
		s.settings = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	// Policy: settings and tuning, optionally from a watched file
	policy := config.DefaultPolicy()
	if cfg.PolicyFile != "" {
		s.policy = config.NewPolicyLoader(cfg.PolicyFile, s.logger)
		p, err := s.policy.Load()
		if err != nil {
			return nil, err
		}
		policy = p
		s.logger.Info("policy loaded", "file", cfg.PolicyFile, "mode", p.Settings.Mode)
	}
	if s.settings == nil {
		s.settings = settings.NewStore(policy.Settings)
	}
	s.engine = analysis.NewEngine(s.logger).WithTuning(policy.Tuning)

	// Threat intel: seed now, remote lists on a timer
	if s.intel == nil {
		s.intel = intel.NewStore(intel.Seed())
	}
	if cfg.IntelSources != "" {
		remotes, err := intel.ParseRemotes(cfg.IntelSources)
		if err != nil {
			return nil, fmt.Errorf("invalid INTEL_SOURCES: %w", err)
		}
		s.refresher = intel.NewRefresher(intel.NewFetcher(remotes, s.logger), s.intel, cfg.IntelRefresh, s.logger)
	}

	var prices price.Lookup = price.None{}
	if cfg.PriceURL != "" {
		prices = price.NewOracle(cfg.PriceURL, cfg.PriceTTL, s.logger)
	}

	s.service = analysis.NewService(s.engine, s.settings, s.intel, flow.NewTracker(flow.DefaultTTL), prices, s.logger)

	// Decision history (Postgres or SQLite if HISTORY_DSN set, otherwise in-memory)
	s.closeHistory = func() error { return nil }
	if s.history == nil {
		store, closeFn, err := history.Open(ctx, cfg.HistoryDSN)
		if err != nil {
			return nil, err
		}
		s.history = store
		s.closeHistory = closeFn
		if cfg.HistoryDSN != "" {
			scheme, _, _ := strings.Cut(cfg.HistoryDSN, ":")
			s.logger.Info("history store opened", "backend", scheme)
		}
	}
	s.notifier = history.NewNotifier(s.history, 0, s.logger)

	s.hub = relay.NewHub(&backend{service: s.service, notifier: s.notifier}, s.logger)
	s.guard = auth.NewGuard(cfg.RelayToken)
	if !s.guard.Enabled() {
		s.logger.Warn("RELAY_TOKEN not set, background endpoints are unauthenticated")
	}

	s.health = health.NewRegistry()
	s.health.Register("intel", health.Freshness("intel", s.intel.UpdatedAt, s.engine.Tuning().IntelMaxAge))
	if p, ok := s.history.(interface{ Ping(context.Context) error }); ok {
		s.health.Register("history", health.Ping("history", p.Ping))
	}

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// backend adapts the analysis service and the history notifier to the
// relay hub.
type backend struct {
	service  *analysis.Service
	notifier *history.Notifier
}

func (b *backend) Analyze(ctx context.Context, c call.Call) *analysis.Analysis {
	return b.service.Analyze(ctx, c)
}

func (b *backend) RecordFlow(ev flow.Event) {
	b.service.RecordFlow(ev)
}

func (b *backend) AppendHistory(r history.Record) {
	b.notifier.Notify(r)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware(ratelimit.ByClientIP))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.RequireToken(s.guard))

	// Relay hop 2
	v1.GET("/wake", s.wakeHandler)
	v1.POST("/analyze", s.analyzeHandler)
	v1.GET("/port", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	v1.POST("/flow", s.flowHandler)

	// Decision history
	v1.POST("/decisions", s.appendDecisionHandler)
	v1.GET("/decisions", s.listDecisionsHandler)

	// Lookups
	v1.GET("/trust/:host", s.trustHandler)
	v1.GET("/intel/status", s.intelStatusHandler)
	v1.POST("/intel/refresh", s.intelRefreshHandler)
	v1.GET("/settings", s.settingsHandler)
	v1.POST("/settings/pause", s.pauseHandler)
	v1.POST("/settings/resume", s.resumeHandler)
	v1.GET("/ports", s.portsHandler)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		// stale intel degrades verification but the service still answers
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting background service", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	if s.refresher != nil {
		go s.refresher.Start(runCtx)
	}

	if s.policy != nil {
		s.policy.Watch(config.Applier(s.settings, s.engine))
	}

	go s.maintain(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// maintain sweeps idle flow entries every minute and purges old history
// once a day.
func (s *Server) maintain(ctx context.Context) {
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	purge := time.NewTicker(24 * time.Hour)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-sweep.C:
			s.service.Flow().Sweep(now)
			metrics.IntelAgeSeconds.Set(s.intel.Snapshot().Age(now).Seconds())
		case now := <-purge.C:
			if s.cfg.HistoryRetention <= 0 {
				continue
			}
			n, err := s.history.Purge(ctx, now.Add(-s.cfg.HistoryRetention))
			if err != nil {
				s.logger.Error("history purge failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("history purged", "records", n)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, refresher, sweeps)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Flush queued decisions before closing the store
	if err := s.notifier.Close(ctx); err != nil {
		s.logger.Error("history flush incomplete", "error", err)
	}
	if err := s.closeHistory(); err != nil {
		s.logger.Error("history close error", "error", err)
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the analysis service.
func (s *Server) Service() *analysis.Service {
	return s.service
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

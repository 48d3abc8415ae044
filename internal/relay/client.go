package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/circuitbreaker"
	"github.com/mbd888/walletgate/internal/flow"
	"github.com/mbd888/walletgate/internal/history"
	"github.com/mbd888/walletgate/internal/idgen"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/retry"
	"github.com/mbd888/walletgate/internal/traces"
)

// Background service routes.
const (
	PathWake      = "/v1/wake"
	PathPort      = "/v1/port"
	PathAnalyze   = "/v1/analyze"
	PathFlow      = "/v1/flow"
	PathDecisions = "/v1/decisions"
)

// ClientConfig configures hop 2.
type ClientConfig struct {
	BaseURL     string        // http(s) root of the background service
	Token       string        // optional bearer token
	Timeout     time.Duration // per-request budget; the one-shot retry gets half
	WakeTimeout time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 4 * time.Second
	}
	if c.WakeTimeout <= 0 {
		c.WakeTimeout = 500 * time.Millisecond
	}
	return c
}

// Client is the isolated side of hop 2. It keeps one persistent port,
// created on first use and rebuilt after failure, and falls back to
// one-shot HTTP when the port cannot serve.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	dialer  *websocket.Dialer
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	dialMu sync.Mutex // one dial at a time
	mu     sync.Mutex // guards port only, never held across I/O
	port   *port
}

// NewClient creates a client. Nothing is dialed until the first call.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 2 * cfg.Timeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.Timeout, Proxy: http.ProxyFromEnvironment},
		breaker: circuitbreaker.New(3, 30*time.Second),
		logger:  logging.Or(logger),
	}
}

// WithBreaker replaces the port circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

func (c *Client) breakerKey() string { return "port:" + c.cfg.BaseURL }

// Analyze asks the background service for the authoritative verdict.
// Port first; one-shot HTTP with one shorter retry after that.
func (c *Client) Analyze(ctx context.Context, cl call.Call) (*analysis.Analysis, error) {
	ctx, span := traces.StartSpan(ctx, "relay.Analyze", traces.Method(cl.Method), traces.Host(cl.Host))
	defer span.End()

	id := idgen.Correlation()

	if c.breaker.Allow(c.breakerKey()) {
		a, err := c.viaPort(ctx, id, cl)
		if err == nil {
			c.breaker.RecordSuccess(c.breakerKey())
			metrics.RelayRequestsTotal.WithLabelValues(HopPort, "ok").Inc()
			span.SetAttributes(traces.Tier(HopPort))
			return a, nil
		}
		if ctx.Err() != nil {
			metrics.RelayRequestsTotal.WithLabelValues(HopPort, "canceled").Inc()
			return nil, relayErr(HopPort, "analyze", ctx.Err())
		}
		c.breaker.RecordFailure(c.breakerKey())
		metrics.RelayRequestsTotal.WithLabelValues(HopPort, "error").Inc()
		c.logger.Debug("port failed, falling back to one-shot", "correlation_id", id, "error", err)
	}

	a, err := c.viaOneShot(ctx, id, cl)
	if err != nil {
		metrics.RelayRequestsTotal.WithLabelValues(HopOneShot, "error").Inc()
		return nil, relayErr(HopOneShot, "analyze", err)
	}
	metrics.RelayRequestsTotal.WithLabelValues(HopOneShot, "ok").Inc()
	span.SetAttributes(traces.Tier(HopOneShot))
	return a, nil
}

func (c *Client) viaPort(ctx context.Context, id string, cl call.Call) (*analysis.Analysis, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	p, err := c.getPort(ctx)
	if err != nil {
		return nil, err
	}
	reply, err := p.request(ctx, PortMessage{Kind: KindAnalyze, ID: id, Call: &cl})
	if err != nil {
		c.dropPort(p)
		return nil, err
	}
	switch {
	case reply.Kind == KindError:
		return nil, fmt.Errorf("background: %s", reply.Error)
	case reply.Kind != KindVerdict || reply.Analysis == nil:
		return nil, fmt.Errorf("unexpected %q reply", reply.Kind)
	}
	return reply.Analysis, nil
}

// getPort returns the live port, dialing one after a wake signal when
// there is none.
func (c *Client) getPort(ctx context.Context) (*port, error) {
	if p := c.livePort(); p != nil {
		return p, nil
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	// another caller may have dialed while this one waited
	if p := c.livePort(); p != nil {
		return p, nil
	}

	c.wake(ctx)
	p, err := dialPort(ctx, c.dialer, c.wsURL(), c.header(), c.logger)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.port = p
	c.mu.Unlock()
	return p, nil
}

func (c *Client) livePort() *port {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil && c.port.closed() {
		c.port = nil
	}
	return c.port
}

func (c *Client) dropPort(p *port) {
	p.close()
	c.mu.Lock()
	if c.port == p {
		c.port = nil
	}
	c.mu.Unlock()
}

// wake nudges a dormant background service. Best effort.
func (c *Client) wake(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WakeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+PathWake, nil)
	if err != nil {
		return
	}
	c.setAuth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("wake signal failed", "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func (c *Client) viaOneShot(ctx context.Context, id string, cl call.Call) (*analysis.Analysis, error) {
	body, err := json.Marshal(AnalyzeRequest{ID: id, Call: cl})
	if err != nil {
		return nil, err
	}
	var out *analysis.Analysis
	err = retry.DoAttempt(ctx, 2, 0, func(attempt int) error {
		budget := c.cfg.Timeout
		if attempt > 0 {
			budget /= 2
		}
		a, err := c.postAnalyze(ctx, budget, body)
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

func (c *Client) postAnalyze(ctx context.Context, budget time.Duration, body []byte) (*analysis.Analysis, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+PathAnalyze, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		err := fmt.Errorf("analyze returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	var out AnalyzeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMessage)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode analyze response: %w", err)
	}
	if out.Analysis == nil {
		return nil, errors.New("analyze response has no analysis")
	}
	return out.Analysis, nil
}

// ReportFlow forwards a decided call to the flow tracker. Fire and forget.
func (c *Client) ReportFlow(ev flow.Event) {
	c.notify(PortMessage{Kind: KindFlow, Flow: &ev}, PathFlow, ev)
}

// AppendHistory forwards a record to the history store. Fire and forget.
func (c *Client) AppendHistory(r history.Record) {
	c.notify(PortMessage{Kind: KindHistory, Record: &r}, PathDecisions, r)
}

// Notify lets the client stand in as a history sink. It never blocks.
func (c *Client) Notify(r history.Record) bool {
	c.AppendHistory(r)
	return true
}

// notify uses the live port when there is one and a one-shot POST
// otherwise. It never dials a port and never blocks the caller.
func (c *Client) notify(msg PortMessage, path string, body any) {
	c.mu.Lock()
	p := c.port
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		if p != nil && !p.closed() {
			if err := p.post(ctx, msg); err == nil {
				return
			}
		}
		data, err := json.Marshal(body)
		if err != nil {
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		c.setAuth(req)
		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Debug("background notify failed", "path", path, "error", err)
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
}

// Close tears down the port.
func (c *Client) Close() {
	c.mu.Lock()
	p := c.port
	c.port = nil
	c.mu.Unlock()
	if p != nil {
		p.close()
	}
}

// PortOpen reports whether a live port exists.
func (c *Client) PortOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil && !c.port.closed()
}

func (c *Client) wsURL() string {
	u := c.cfg.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + PathPort
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return h
}

func (c *Client) setAuth(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

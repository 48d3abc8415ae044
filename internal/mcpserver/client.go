package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/idgen"
	"github.com/mbd888/walletgate/internal/relay"
)

// Config holds the configuration for reaching the background service.
type Config struct {
	APIURL string // Base URL, e.g. "http://127.0.0.1:8080"
	Token  string // relay token, empty when the service runs without one
}

// Client is a pure HTTP client for the background service API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the background service.
func NewClient(cfg Config) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the service and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Analyze asks the service for a verdict on c.
func (c *Client) Analyze(ctx context.Context, cl call.Call) (*analysis.Analysis, error) {
	raw, err := c.doRequest(ctx, http.MethodPost, relay.PathAnalyze, nil, relay.AnalyzeRequest{
		ID:   idgen.Correlation(),
		Call: cl,
	})
	if err != nil {
		return nil, err
	}
	var resp relay.AnalyzeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	if resp.Analysis == nil {
		return nil, fmt.Errorf("service returned no verdict")
	}
	return resp.Analysis, nil
}

// Trust returns the domain assessment for host.
func (c *Client) Trust(ctx context.Context, host string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/trust/"+url.PathEscape(host), nil, nil)
}

// IntelStatus returns threat-intel freshness and list sizes.
func (c *Client) IntelStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/intel/status", nil, nil)
}

// Decisions lists recent decisions, optionally for one host.
func (c *Client) Decisions(ctx context.Context, host string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if host != "" {
		q.Set("host", host)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, relay.PathDecisions, q, nil)
}

package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/relay"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL + "/", Token: "tok"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL, Token: "secret123"}).IntelStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret123", gotAuth)

	_, err = NewClient(Config{APIURL: ts.URL}).IntelStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "unauthorized",
			"message": "Invalid relay token.",
		})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL, Token: "bad"}).IntelStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "Invalid relay token.")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).IntelStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1"}).IntelStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_Decisions_Query(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, relay.PathDecisions, r.URL.Path)
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"decisions":[]}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Decisions(context.Background(), "app.example.org", 5)
	require.NoError(t, err)
	assert.Equal(t, "host=app.example.org&limit=5", gotQuery)
}

// ============================================================
// Handler: analyze_wallet_call
// ============================================================

func TestHandleAnalyzeWalletCall(t *testing.T) {
	var got relay.AnalyzeRequest
	mux := http.NewServeMux()
	mux.HandleFunc(relay.PathAnalyze, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(relay.AnalyzeResponse{
			ID: got.ID,
			Analysis: &analysis.Analysis{
				Level:          analysis.LevelHigh,
				Score:          92,
				Recommendation: analysis.RecommendBlock,
				HardBlock:      true,
				Verification:   analysis.VerificationFull,
				Trust:          analysis.TrustVerdict{Status: analysis.TrustSuspicious},
				Explanation: analysis.Explanation{
					Title:      "Unlimited token approval",
					WhatItDoes: "Lets the spender move all of your USDC.",
					Risks:      []string{"Site is on a known phishing list"},
					NextSteps:  []string{"Close this site"},
				},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAnalyzeWalletCall(context.Background(), makeRequest(map[string]any{
		"method":   "eth_sendTransaction",
		"origin":   "https://Uniswap-Airdrop.net",
		"chain_id": "0x1",
		"params":   []any{map[string]any{"to": "0xa0b8", "data": "0x095ea7b3"}},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "eth_sendTransaction", got.Call.Method)
	assert.Equal(t, "uniswap-airdrop.net", got.Call.Host)
	assert.Equal(t, "0x1", got.Call.ChainID)
	require.Len(t, got.Call.Params, 1)
	assert.JSONEq(t, `{"to":"0xa0b8","data":"0x095ea7b3"}`, string(got.Call.Params[0]))

	text := resultText(t, result)
	assert.Contains(t, text, "BLOCK (HIGH, score 92): Unlimited token approval")
	assert.Contains(t, text, "Site: uniswap-airdrop.net (SUSPICIOUS)")
	assert.Contains(t, text, "Hard block")
	assert.Contains(t, text, "  - Site is on a known phishing list")
	assert.Contains(t, text, "Next steps:")
}

func TestHandleAnalyzeWalletCall_ParamsAsString(t *testing.T) {
	var got relay.AnalyzeRequest
	mux := http.NewServeMux()
	mux.HandleFunc(relay.PathAnalyze, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(relay.AnalyzeResponse{ID: got.ID, Analysis: &analysis.Analysis{Recommendation: analysis.RecommendAllow}})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAnalyzeWalletCall(context.Background(), makeRequest(map[string]any{
		"method": "personal_sign",
		"origin": "https://app.example.org",
		"params": `["0x68656c6c6f","0x1111111111111111111111111111111111111111"]`,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Len(t, got.Call.Params, 2)
}

func TestHandleAnalyzeWalletCall_Validation(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"no method", map[string]any{"origin": "https://a.example"}, "method is required"},
		{"no origin", map[string]any{"method": "eth_sign"}, "origin is required"},
		{"bad params", map[string]any{"method": "eth_sign", "origin": "https://a.example", "params": 7}, "Invalid params"},
		{"bad params string", map[string]any{"method": "eth_sign", "origin": "https://a.example", "params": "{"}, "Invalid params"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleAnalyzeWalletCall(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleAnalyzeWalletCall_ServiceDown(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1"})
	result, err := NewHandlers(client).HandleAnalyzeWalletCall(context.Background(), makeRequest(map[string]any{
		"method": "eth_requestAccounts",
		"origin": "https://a.example",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Failed to analyze call")
}

func TestHandleAnalyzeWalletCall_NoVerdict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(relay.PathAnalyze, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x"}`))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAnalyzeWalletCall(context.Background(), makeRequest(map[string]any{
		"method": "eth_requestAccounts",
		"origin": "https://a.example",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no verdict")
}

// ============================================================
// Handler: check_origin
// ============================================================

func TestHandleCheckOrigin(t *testing.T) {
	var gotPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/trust/", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{
			"host": "xn--uniswp-9ua.org",
			"trust": map[string]any{
				"status":      "SUSPICIOUS",
				"score":       85,
				"displayHost": "uniswâp.org",
				"reasons":     []string{"Domain uses look-alike (punycode) characters"},
			},
			"blockedBy": []string{"builtin", "feed"},
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCheckOrigin(context.Background(), makeRequest(map[string]any{
		"host": "https://xn--uniswp-9ua.org/swap",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "/v1/trust/xn--uniswp-9ua.org", gotPath)

	text := resultText(t, result)
	assert.Contains(t, text, "xn--uniswp-9ua.org: SUSPICIOUS (score 85)")
	assert.Contains(t, text, "Displays as: uniswâp.org")
	assert.Contains(t, text, "KNOWN MALICIOUS per: builtin, feed")
	assert.Contains(t, text, "punycode")
}

func TestHandleCheckOrigin_MissingHost(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleCheckOrigin(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "host is required")
}

// ============================================================
// Handler: intel_status
// ============================================================

func TestHandleIntelStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/intel/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"updatedAt":        "2026-10-01T00:00:00Z",
			"ageSeconds":       3600,
			"stale":            true,
			"blockedHosts":     1200,
			"trustedHosts":     15,
			"blockedAddresses": 40,
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleIntelStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Threat intel: STALE")
	assert.Contains(t, text, "Age: 3600s")
	assert.Contains(t, text, "Blocked hosts: 1200")
	assert.Contains(t, text, "Blocked addresses: 40")
}

// ============================================================
// Handler: recent_decisions
// ============================================================

func TestHandleRecentDecisions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(relay.PathDecisions, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"decisions": []map[string]any{
				{"method": "eth_sendTransaction", "host": "a.example", "level": "HIGH", "allow": false, "source": "human", "reason": "dismissed"},
				{"method": "eth_requestAccounts", "host": "b.example", "level": "LOW", "allow": true, "source": "policy"},
			},
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleRecentDecisions(context.Background(), makeRequest(map[string]any{"limit": float64(3)}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 decision(s)")
	assert.Contains(t, text, "1. REJECTED eth_sendTransaction on a.example [HIGH] by human")
	assert.Contains(t, text, "   dismissed")
	assert.Contains(t, text, "2. ALLOWED eth_requestAccounts on b.example [LOW] by policy")
}

func TestHandleRecentDecisions_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(relay.PathDecisions, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"decisions":[]}`))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleRecentDecisions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No decisions recorded.", resultText(t, result))
}

// ============================================================
// Helpers
// ============================================================

func TestGetFloat(t *testing.T) {
	f, ok := getFloat(map[string]any{"b": "1.5"}, "a", "b")
	assert.True(t, ok)
	assert.Equal(t, 1.5, f)

	_, ok = getFloat(map[string]any{"a": "n/a"}, "a")
	assert.False(t, ok)
}

func TestNewMCPServer(t *testing.T) {
	assert.NotNil(t, NewMCPServer(Config{APIURL: "http://127.0.0.1:8080"}, "test"))
}

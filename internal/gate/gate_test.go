package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/config"
	"github.com/mbd888/walletgate/internal/history"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/relay"
	"github.com/mbd888/walletgate/internal/rpcproxy"
	"github.com/mbd888/walletgate/internal/settings"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// syncBuffer is the terminal output, read while the controller writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type ethAPI struct {
	mu   sync.Mutex
	sent int
}

func (e *ethAPI) ChainId() string { return "0x1" }

func (e *ethAPI) SendTransaction(tx map[string]any) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent++
	return "0xfeed", nil
}

func (e *ethAPI) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

// background fakes the analysis service: no port, one-shot only.
type background struct {
	mu        sync.Mutex
	analyzed  []call.Call
	decisions []history.Record
}

func (b *background) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(relay.PathWake, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc(relay.PathAnalyze, func(w http.ResponseWriter, r *http.Request) {
		var req relay.AnalyzeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.analyzed = append(b.analyzed, req.Call)
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(relay.AnalyzeResponse{ID: req.ID, Analysis: &analysis.Analysis{
			Level:          analysis.LevelLow,
			Score:          10,
			Recommendation: analysis.RecommendAllow,
			Category:       analysis.CategorySendTransaction,
			Verification:   analysis.VerificationFull,
			Explanation:    analysis.Explanation{Title: "Send 0.001 ETH", WhatItDoes: "Moves funds to another address."},
		}})
	})
	mux.HandleFunc(relay.PathFlow, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc(relay.PathDecisions, func(w http.ResponseWriter, r *http.Request) {
		var rec history.Record
		_ = json.NewDecoder(r.Body).Decode(&rec)
		b.mu.Lock()
		b.decisions = append(b.decisions, rec)
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func (b *background) recorded() []history.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]history.Record(nil), b.decisions...)
}

type harness struct {
	gate   *Gate
	eth    *ethAPI
	bg     *background
	out    *syncBuffer
	input  *io.PipeWriter
	server *httptest.Server
}

func newHarness(t *testing.T, policy string) *harness {
	t.Helper()

	eth := &ethAPI{}
	rs := rpc.NewServer()
	require.NoError(t, rs.RegisterName("eth", eth))
	t.Cleanup(rs.Stop)

	bg := &background{}
	bgSrv := httptest.NewServer(bg.handler())
	t.Cleanup(bgSrv.Close)

	cfg := &config.Config{
		Env:             "test",
		BackgroundURL:   bgSrv.URL,
		FailOpenCeiling: 10 * time.Second,
		AnalyzeTimeout:  2 * time.Second,
		Countdown:       50 * time.Millisecond,
		RateLimitRPM:    600,
	}
	if policy != "" {
		cfg.PolicyFile = filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(cfg.PolicyFile, []byte(policy), 0o600))
	}

	out := &syncBuffer{}
	g, err := New(context.Background(), cfg,
		WithUpstream(rpcproxy.NewUpstream(rpc.DialInProc(rs))),
		WithOutput(out),
		WithLogger(logging.Discard()),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	g.start(ctx, pr)

	srv := httptest.NewServer(g.Router())
	t.Cleanup(func() {
		cancel()
		_ = pw.Close()
		srv.Close()
		g.Close()
	})
	return &harness{gate: g, eth: eth, bg: bg, out: out, input: pw, server: srv}
}

// send posts a transaction and returns a channel with the JSON-RPC reply.
func (h *harness) send(t *testing.T) <-chan map[string]any {
	t.Helper()
	done := make(chan map[string]any, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/", strings.NewReader(
			`{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[{"to":"0x2222222222222222222222222222222222222222","value":"0x38d7ea4c68000"}]}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(rpcproxy.HeaderDappOrigin, "https://app.example.org")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- map[string]any{"transport": err.Error()}
			return
		}
		defer resp.Body.Close()
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		done <- out
	}()
	return done
}

func (h *harness) type_(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(h.input, line+"\n")
	require.NoError(t, err)
}

func waitReply(t *testing.T, ch <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no JSON-RPC reply")
		return nil
	}
}

func TestGate_HumanAllows(t *testing.T) {
	h := newHarness(t, "")
	reply := h.send(t)

	require.Eventually(t, func() bool {
		return strings.Contains(h.out.String(), "[a] allow")
	}, 5*time.Second, 10*time.Millisecond)
	h.type_(t, "a")

	r := waitReply(t, reply)
	assert.Equal(t, "0xfeed", r["result"], "%v", r)
	assert.Equal(t, 1, h.eth.count())
	assert.Contains(t, h.out.String(), "app.example.org")

	require.Eventually(t, func() bool { return len(h.bg.recorded()) == 1 }, 2*time.Second, 10*time.Millisecond)
	rec := h.bg.recorded()[0]
	assert.True(t, rec.Allow)
	assert.Equal(t, string(call.SourceHuman), rec.Source)
	assert.Equal(t, "app.example.org", rec.Host)
}

func TestGate_HumanRejects(t *testing.T) {
	h := newHarness(t, "")
	reply := h.send(t)

	require.Eventually(t, func() bool {
		return strings.Contains(h.out.String(), "[d] reject")
	}, 5*time.Second, 10*time.Millisecond)
	h.type_(t, "d")

	r := waitReply(t, reply)
	e, ok := r["error"].(map[string]any)
	require.True(t, ok, "%v", r)
	assert.Equal(t, float64(call.CodeUserRejected), e["code"])
	assert.Equal(t, 0, h.eth.count())
}

func TestGate_ProtectionOffPassesThrough(t *testing.T) {
	h := newHarness(t, "settings:\n  mode: \"OFF\"\n")
	assert.Equal(t, settings.ModeOff, h.gate.Settings().Snapshot().Mode)

	r := waitReply(t, h.send(t))
	assert.Equal(t, "0xfeed", r["result"], "%v", r)
	assert.NotContains(t, h.out.String(), "[a] allow")
}

func TestGate_PausedPassesThrough(t *testing.T) {
	h := newHarness(t, "")
	h.gate.Settings().Pause(time.Minute)

	r := waitReply(t, h.send(t))
	assert.Equal(t, "0xfeed", r["result"], "%v", r)
}

func TestGate_ProvidersListed(t *testing.T) {
	h := newHarness(t, "")

	w := httptest.NewRecorder()
	h.gate.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/providers", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"injected":true`)
}

func TestNew_RejectsBadUpstreams(t *testing.T) {
	cfg := &config.Config{
		Env:             "test",
		BackgroundURL:   "http://127.0.0.1:1",
		FailOpenCeiling: time.Second,
		AnalyzeTimeout:  time.Second,
		Upstreams:       "broken",
	}
	_, err := New(context.Background(), cfg, WithLogger(logging.Discard()), WithOutput(io.Discard))
	assert.Error(t, err)
}

func TestGate_ClosedInputDeniesPending(t *testing.T) {
	h := newHarness(t, "")
	reply := h.send(t)

	require.Eventually(t, func() bool {
		return strings.Contains(h.out.String(), "[a] allow")
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.input.Close())

	r := waitReply(t, reply)
	e, ok := r["error"].(map[string]any)
	require.True(t, ok, "%v", r)
	assert.Equal(t, float64(call.CodeUserRejected), e["code"])

	// later calls have nobody to ask
	r = waitReply(t, h.send(t))
	_, ok = r["error"].(map[string]any)
	assert.True(t, ok, "%v", r)
	assert.Equal(t, 0, h.eth.count())

	require.Eventually(t, func() bool {
		for _, rec := range h.bg.recorded() {
			if !rec.Allow && rec.Source == string(call.SourceHuman) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGate_PauseCommandReleasesQueued(t *testing.T) {
	h := newHarness(t, "")
	reply := h.send(t)

	require.Eventually(t, func() bool {
		return strings.Contains(h.out.String(), "[a] allow")
	}, 5*time.Second, 10*time.Millisecond)
	h.type_(t, "p 5")

	r := waitReply(t, reply)
	assert.Equal(t, "0xfeed", r["result"], "%v", r)
	assert.True(t, h.gate.Settings().Snapshot().Paused(time.Now()))
	assert.Contains(t, h.out.String(), "protection paused")

	h.type_(t, "resume")
	require.Eventually(t, func() bool {
		return !h.gate.Settings().Snapshot().Paused(time.Now())
	}, 2*time.Second, 10*time.Millisecond)
}

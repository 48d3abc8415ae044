package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/relay"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls []Invocation
}

func (f *fakeProvider) Invoke(_ context.Context, inv Invocation) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	if inv.Callback != nil {
		inv.Callback(json.RawMessage(`"ok"`), nil)
	}
	return json.RawMessage(`"ok"`), nil
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type gateFunc func(ctx context.Context, c call.Call) (call.Decision, error)

func (g gateFunc) Submit(ctx context.Context, c call.Call) (call.Decision, error) { return g(ctx, c) }

func decide(allow bool) (gateFunc, *[]call.Call) {
	var seen []call.Call
	return func(_ context.Context, c call.Call) (call.Decision, error) {
		seen = append(seen, c)
		return call.Decision{ID: "cid_1", Allow: allow, Source: call.SourceHuman}, nil
	}, &seen
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func requestInv(method string, params string) Invocation {
	body := `{"method":"` + method + `"`
	if params != "" {
		body += `,"params":` + params
	}
	return Invocation{Surface: SurfaceRequest, Args: []json.RawMessage{raw(body + `}`)}}
}

func TestNormalize_Shapes(t *testing.T) {
	tests := []struct {
		name   string
		inv    Invocation
		method string
		shape  call.Shape
		params int
	}{
		{"request", requestInv("eth_sendTransaction", `[{"to":"0x1"}]`), "eth_sendTransaction", call.ShapeRequest, 1},
		{"request no params", requestInv("eth_requestAccounts", ""), "eth_requestAccounts", call.ShapeRequest, 0},
		{"request object params", requestInv("wallet_watchAsset", `{"type":"ERC20"}`), "wallet_watchAsset", call.ShapeRequest, 1},
		{"send positional", Invocation{Surface: SurfaceSend, Args: []json.RawMessage{raw(`"personal_sign"`), raw(`["0x68","0xabc"]`)}}, "personal_sign", call.ShapeSend, 2},
		{"send payload", Invocation{Surface: SurfaceSend, Args: []json.RawMessage{raw(`{"jsonrpc":"2.0","id":1,"method":"eth_sign","params":["0xabc","0x12"]}`)}}, "eth_sign", call.ShapeSendPayload, 2},
		{"sendAsync", Invocation{Surface: SurfaceSendAsync, Args: []json.RawMessage{raw(`{"method":"wallet_switchEthereumChain","params":[{"chainId":"0x1"}]}`)}}, "wallet_switchEthereumChain", call.ShapeSendAsync, 1},
		{"enable", Invocation{Surface: SurfaceEnable}, call.MethodRequestAccounts, call.ShapeEnable, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := Normalize(tt.inv)
			require.True(t, ok)
			assert.Equal(t, tt.method, c.Method)
			assert.Equal(t, tt.shape, c.Shape)
			assert.Len(t, c.Params, tt.params)
		})
	}
}

func TestNormalize_Rejects(t *testing.T) {
	for name, inv := range map[string]Invocation{
		"unknown surface": {Surface: "on", Args: []json.RawMessage{raw(`"accountsChanged"`)}},
		"request no args": {Surface: SurfaceRequest},
		"request string":  {Surface: SurfaceRequest, Args: []json.RawMessage{raw(`"eth_accounts"`)}},
		"empty method":    requestInv("", ""),
		"bad params":      requestInv("eth_sign", `"nope"`),
		"send number":     {Surface: SurfaceSend, Args: []json.RawMessage{raw(`42`)}},
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := Normalize(inv)
			assert.False(t, ok)
		})
	}
}

func TestWrap_Idempotent(t *testing.T) {
	g, _ := decide(true)
	inner := &fakeProvider{}
	w := Wrap(inner, g, Options{}, nil)
	assert.True(t, IsWrapped(w))
	assert.False(t, IsWrapped(inner))
	assert.Same(t, w, Wrap(w, g, Options{}, nil))
	assert.Same(t, inner, w.(Wrapped).Unwrap())
	assert.Nil(t, Wrap(nil, g, Options{}, nil))
}

func TestInvoke_PassThroughUngated(t *testing.T) {
	g, seen := decide(false)
	inner := &fakeProvider{}
	w := Wrap(inner, g, Options{}, nil)

	out, err := w.Invoke(context.Background(), requestInv("eth_chainId", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(out))
	assert.Empty(t, *seen)

	// shapes no strategy knows also pass untouched
	_, err = w.Invoke(context.Background(), Invocation{Surface: "on"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.count())
}

func TestInvoke_AllowedForwardsOriginal(t *testing.T) {
	g, seen := decide(true)
	inner := &fakeProvider{}
	w := Wrap(inner, g, Options{Origin: "https://fallback.example", ChainID: func(context.Context) string { return "0x1" }}, nil)

	inv := Invocation{Surface: SurfaceEnable}
	ctx := WithOrigin(context.Background(), "https://app.uniswap.org")
	_, err := w.Invoke(ctx, inv)
	require.NoError(t, err)

	require.Len(t, *seen, 1)
	c := (*seen)[0]
	assert.Equal(t, call.MethodRequestAccounts, c.Method)
	assert.Equal(t, call.ShapeEnable, c.Shape)
	assert.Equal(t, "app.uniswap.org", c.Host)
	assert.Equal(t, "0x1", c.ChainID)

	require.Equal(t, 1, inner.count())
	assert.Equal(t, SurfaceEnable, inner.calls[0].Surface, "the original shape is forwarded")
}

func TestInvoke_OptionsOriginFallback(t *testing.T) {
	g, seen := decide(true)
	w := Wrap(&fakeProvider{}, g, Options{Origin: "https://fallback.example"}, nil)
	_, err := w.Invoke(context.Background(), requestInv("eth_requestAccounts", ""))
	require.NoError(t, err)
	assert.Equal(t, "fallback.example", (*seen)[0].Host)
}

func TestInvoke_DeniedIsUserRejected(t *testing.T) {
	g, _ := decide(false)
	inner := &fakeProvider{}
	w := Wrap(inner, g, Options{}, nil)

	var cbErr error
	inv := Invocation{
		Surface:  SurfaceSendAsync,
		Args:     []json.RawMessage{raw(`{"method":"eth_sendTransaction","params":[{"to":"0x1"}]}`)},
		Callback: func(_ json.RawMessage, err error) { cbErr = err },
	}
	out, err := w.Invoke(context.Background(), inv)
	assert.Nil(t, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, call.ErrUserRejected)
	assert.ErrorIs(t, cbErr, call.ErrUserRejected)

	var pe *call.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, call.CodeUserRejected, pe.Code)
	assert.Zero(t, inner.count())
}

func failOpenCount(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.FailOpenTotal.WithLabelValues("timeout").Write(&m))
	return m.GetCounter().GetValue()
}

func TestInvoke_FailOpenOnTimeout(t *testing.T) {
	link := relay.NewPageLink(30*time.Millisecond, 1, logging.Discard())
	go func() { <-link.Messages() }() // read, never answer

	inner := &fakeProvider{}
	w := Wrap(inner, link, Options{Origin: "https://a.example.org"}, logging.Discard())

	before := failOpenCount(t)
	out, err := w.Invoke(context.Background(), requestInv("eth_sendTransaction", `[{"to":"0x1"}]`))
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(out))
	assert.Equal(t, 1, inner.count())
	assert.Equal(t, before+1, failOpenCount(t))
}

func TestInvoke_DenyThroughPageLink(t *testing.T) {
	link := relay.NewPageLink(time.Second, 1, logging.Discard())
	go func() {
		msg := <-link.Messages()
		link.Resolve(call.Denied(msg.ID, call.SourceHuman, "dismissed"))
	}()

	inner := &fakeProvider{}
	w := Wrap(inner, link, Options{}, nil)
	_, err := w.Invoke(context.Background(), requestInv("personal_sign", `["0x68","0xabc"]`))
	assert.ErrorIs(t, err, call.ErrUserRejected)
	assert.Zero(t, inner.count())
}

func TestInvoke_CanceledPageIsNotForwarded(t *testing.T) {
	g := gateFunc(func(ctx context.Context, _ call.Call) (call.Decision, error) {
		return call.Decision{}, context.Canceled
	})
	inner := &fakeProvider{}
	w := Wrap(inner, g, Options{}, nil)
	_, err := w.Invoke(context.Background(), requestInv("eth_requestAccounts", ""))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, inner.count())
}

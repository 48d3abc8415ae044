package rpcproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/interceptor"
)

// JSON-RPC error codes used by the proxy.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
)

// ErrUnsupportedShape is returned for invocations no strategy recognizes.
var ErrUnsupportedShape = &call.ProviderError{Code: CodeInvalidRequest, Message: "unsupported call shape"}

// Upstream is a wallet provider backed by a JSON-RPC endpoint. It accepts
// every call shape the interceptor understands.
type Upstream struct {
	client *rpc.Client

	mu      sync.Mutex
	chainID string
}

// Dial connects to a JSON-RPC endpoint (http, ws or ipc).
func Dial(ctx context.Context, endpoint string) (*Upstream, error) {
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial upstream wallet: %w", err)
	}
	return NewUpstream(c), nil
}

// NewUpstream wraps an existing client.
func NewUpstream(c *rpc.Client) *Upstream {
	return &Upstream{client: c}
}

// Invoke forwards inv and reports the outcome to its callback, if any.
func (u *Upstream) Invoke(ctx context.Context, inv interceptor.Invocation) (json.RawMessage, error) {
	out, err := u.invoke(ctx, inv)
	if inv.Callback != nil {
		inv.Callback(out, err)
	}
	return out, err
}

func (u *Upstream) invoke(ctx context.Context, inv interceptor.Invocation) (json.RawMessage, error) {
	c, ok := interceptor.Normalize(inv)
	if !ok {
		return nil, ErrUnsupportedShape
	}
	args := make([]any, len(c.Params))
	for i, p := range c.Params {
		args[i] = p
	}
	var out json.RawMessage
	if err := u.client.CallContext(ctx, &out, c.Method, args...); err != nil {
		return nil, providerError(err)
	}
	switch c.Method {
	case call.MethodSwitchChain:
		u.forgetChain()
	case "eth_chainId":
		var id string
		if json.Unmarshal(out, &id) == nil {
			u.setChain(id)
		}
	}
	return out, nil
}

// ChainID returns the wallet's current chain, asking the upstream once and
// again after every switch. Empty when unknown.
func (u *Upstream) ChainID(ctx context.Context) string {
	u.mu.Lock()
	id := u.chainID
	u.mu.Unlock()
	if id != "" {
		return id
	}
	if err := u.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return ""
	}
	u.setChain(id)
	return strings.ToLower(id)
}

func (u *Upstream) setChain(id string) {
	u.mu.Lock()
	u.chainID = strings.ToLower(id)
	u.mu.Unlock()
}

func (u *Upstream) forgetChain() {
	u.mu.Lock()
	u.chainID = ""
	u.mu.Unlock()
}

// Close releases the connection.
func (u *Upstream) Close() {
	u.client.Close()
}

// providerError keeps the upstream's JSON-RPC error code.
func providerError(err error) error {
	var pe *call.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	var re rpc.Error
	if errors.As(err, &re) {
		return &call.ProviderError{Code: re.ErrorCode(), Message: re.Error()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &call.ProviderError{Code: CodeInternal, Message: err.Error()}
}

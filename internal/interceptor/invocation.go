package interceptor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mbd888/walletgate/internal/call"
)

// Call surfaces a provider exposes.
const (
	SurfaceRequest   = "request"
	SurfaceSend      = "send"
	SurfaceSendAsync = "sendAsync"
	SurfaceEnable    = "enable"
)

// Invocation is one call on a provider surface, exactly as the page made
// it.
type Invocation struct {
	Surface  string
	Args     []json.RawMessage
	Callback func(result json.RawMessage, err error)
}

// Provider is a wallet provider object.
type Provider interface {
	Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, inv Invocation) (json.RawMessage, error)

func (f ProviderFunc) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	return f(ctx, inv)
}

// Canonical is the normalized form of an invocation.
type Canonical struct {
	Method string
	Params []json.RawMessage
	Shape  call.Shape
}

// Strategy turns one call shape into canonical form. It reports false when
// the invocation is not its shape.
type Strategy interface {
	Shape() call.Shape
	Normalize(inv Invocation) (Canonical, bool)
}

// Strategies is the fixed priority order tried by Normalize. New wallet
// quirks are added here as new strategies.
var Strategies = []Strategy{
	requestStrategy{},
	sendMethodStrategy{},
	sendPayloadStrategy{},
	sendAsyncStrategy{},
	enableStrategy{},
}

// Normalize runs the strategies in order and returns the first match.
func Normalize(inv Invocation) (Canonical, bool) {
	for _, s := range Strategies {
		if c, ok := s.Normalize(inv); ok {
			return c, true
		}
	}
	return Canonical{}, false
}

// payload is the request object of request() and the JSON-RPC payload of
// send()/sendAsync().
type payload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func decodePayload(raw json.RawMessage) (Canonical, bool) {
	if !isObject(raw) {
		return Canonical{}, false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || strings.TrimSpace(p.Method) == "" {
		return Canonical{}, false
	}
	params, ok := splitParams(p.Params)
	if !ok {
		return Canonical{}, false
	}
	return Canonical{Method: p.Method, Params: params}, true
}

// splitParams accepts an array, a single object, or nothing.
func splitParams(raw json.RawMessage) ([]json.RawMessage, bool) {
	t := strings.TrimSpace(string(raw))
	switch {
	case t == "" || t == "null":
		return nil, true
	case strings.HasPrefix(t, "["):
		var out []json.RawMessage
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, false
		}
		return out, true
	case strings.HasPrefix(t, "{"):
		return []json.RawMessage{raw}, true
	default:
		return nil, false
	}
}

func isObject(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "{")
}

// request({method, params})
type requestStrategy struct{}

func (requestStrategy) Shape() call.Shape { return call.ShapeRequest }

func (requestStrategy) Normalize(inv Invocation) (Canonical, bool) {
	if inv.Surface != SurfaceRequest || len(inv.Args) == 0 {
		return Canonical{}, false
	}
	c, ok := decodePayload(inv.Args[0])
	c.Shape = call.ShapeRequest
	return c, ok
}

// send(method, params)
type sendMethodStrategy struct{}

func (sendMethodStrategy) Shape() call.Shape { return call.ShapeSend }

func (sendMethodStrategy) Normalize(inv Invocation) (Canonical, bool) {
	if inv.Surface != SurfaceSend || len(inv.Args) == 0 {
		return Canonical{}, false
	}
	var method string
	if err := json.Unmarshal(inv.Args[0], &method); err != nil || strings.TrimSpace(method) == "" {
		return Canonical{}, false
	}
	var params []json.RawMessage
	if len(inv.Args) > 1 {
		p, ok := splitParams(inv.Args[1])
		if !ok {
			return Canonical{}, false
		}
		params = p
	}
	return Canonical{Method: method, Params: params, Shape: call.ShapeSend}, true
}

// send(payload, callback)
type sendPayloadStrategy struct{}

func (sendPayloadStrategy) Shape() call.Shape { return call.ShapeSendPayload }

func (sendPayloadStrategy) Normalize(inv Invocation) (Canonical, bool) {
	if inv.Surface != SurfaceSend || len(inv.Args) == 0 {
		return Canonical{}, false
	}
	c, ok := decodePayload(inv.Args[0])
	c.Shape = call.ShapeSendPayload
	return c, ok
}

// sendAsync(payload, callback)
type sendAsyncStrategy struct{}

func (sendAsyncStrategy) Shape() call.Shape { return call.ShapeSendAsync }

func (sendAsyncStrategy) Normalize(inv Invocation) (Canonical, bool) {
	if inv.Surface != SurfaceSendAsync || len(inv.Args) == 0 {
		return Canonical{}, false
	}
	c, ok := decodePayload(inv.Args[0])
	c.Shape = call.ShapeSendAsync
	return c, ok
}

// enable() is an account request.
type enableStrategy struct{}

func (enableStrategy) Shape() call.Shape { return call.ShapeEnable }

func (enableStrategy) Normalize(inv Invocation) (Canonical, bool) {
	if inv.Surface != SurfaceEnable {
		return Canonical{}, false
	}
	return Canonical{Method: call.MethodRequestAccounts, Shape: call.ShapeEnable}, true
}

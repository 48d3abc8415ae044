// Package rpcproxy serves wallet JSON-RPC to dApps over HTTP. Every
// request is invoked on a gated provider, so security-sensitive calls
// wait for a decision before they reach the upstream wallet.
package rpcproxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/interceptor"
	"github.com/mbd888/walletgate/internal/logging"
)

// Headers the proxy understands.
const (
	// HeaderDappOrigin names the page when the caller is not a browser.
	HeaderDappOrigin = "X-Dapp-Origin"
	// HeaderProvider picks an announced provider by UUID, RDNS or name.
	HeaderProvider = "X-Wallet-Provider"
)

// MaxBatch bounds a JSON-RPC batch.
const MaxBatch = 32

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Proxy routes dApp requests to the injected provider or to an announced
// one.
type Proxy struct {
	slot     *interceptor.Slot
	registry *interceptor.Registry
	logger   *slog.Logger
}

// New creates a proxy. registry may be nil.
func New(slot *interceptor.Slot, registry *interceptor.Registry, logger *slog.Logger) *Proxy {
	return &Proxy{slot: slot, registry: registry, logger: logging.Or(logger)}
}

// Register mounts the JSON-RPC endpoint and the provider listing.
func (p *Proxy) Register(r gin.IRouter) {
	r.POST("/", p.handle)
	r.GET("/providers", p.providers)
}

func (p *Proxy) providers(c *gin.Context) {
	type entry struct {
		UUID    string `json:"uuid"`
		Name    string `json:"name"`
		RDNS    string `json:"rdns"`
		Wrapped bool   `json:"wrapped"`
	}
	out := []entry{}
	if p.registry != nil {
		for _, a := range p.registry.All() {
			out = append(out, entry{UUID: a.UUID, Name: a.Name, RDNS: a.RDNS, Wrapped: interceptor.IsWrapped(a.Provider)})
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"injected":  p.slot.Get() != nil,
		"providers": out,
	})
}

func (p *Proxy) handle(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusOK, errorResponse(nil, CodeParseError, "could not read body"))
		return
	}
	body = bytes.TrimSpace(body)

	origin := c.GetHeader(HeaderDappOrigin)
	if origin == "" {
		origin = c.GetHeader("Origin")
	}
	provider, err := p.pick(c.GetHeader(HeaderProvider))
	if err != nil {
		c.JSON(http.StatusOK, errorResponse(nil, CodeInternal, err.Error()))
		return
	}

	if len(body) > 0 && body[0] == '[' {
		var reqs []rpcRequest
		if err := json.Unmarshal(body, &reqs); err != nil {
			c.JSON(http.StatusOK, errorResponse(nil, CodeParseError, "invalid JSON"))
			return
		}
		if len(reqs) == 0 || len(reqs) > MaxBatch {
			c.JSON(http.StatusOK, errorResponse(nil, CodeInvalidRequest, fmt.Sprintf("batch must hold 1 to %d requests", MaxBatch)))
			return
		}
		out := make([]rpcResponse, len(reqs))
		for i, req := range reqs {
			out[i] = p.serve(c, provider, req, origin)
		}
		c.JSON(http.StatusOK, out)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusOK, errorResponse(nil, CodeParseError, "invalid JSON"))
		return
	}
	c.JSON(http.StatusOK, p.serve(c, provider, req, origin))
}

func (p *Proxy) serve(c *gin.Context, provider interceptor.Provider, req rpcRequest, origin string) rpcResponse {
	if req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "missing method")
	}
	payload, _ := json.Marshal(struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	}{req.Method, req.Params})

	ctx := interceptor.WithOrigin(c.Request.Context(), origin)
	result, err := provider.Invoke(ctx, interceptor.Invocation{
		Surface: interceptor.SurfaceRequest,
		Args:    []json.RawMessage{payload},
	})
	if err != nil {
		var pe *call.ProviderError
		if errors.As(err, &pe) {
			return errorResponse(req.ID, pe.Code, pe.Message)
		}
		p.logger.Warn("wallet call failed", "method", req.Method, "origin", origin, "error", err)
		return errorResponse(req.ID, CodeInternal, err.Error())
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return rpcResponse{JSONRPC: "2.0", ID: idOrNull(req.ID), Result: result}
}

// pick returns the named announced provider, or the injected one.
func (p *Proxy) pick(name string) (interceptor.Provider, error) {
	if name = strings.TrimSpace(name); name != "" {
		if p.registry == nil {
			return nil, fmt.Errorf("unknown wallet provider %q", name)
		}
		a, ok := p.registry.Lookup(name)
		if !ok || a.Provider == nil {
			return nil, fmt.Errorf("unknown wallet provider %q", name)
		}
		return a.Provider, nil
	}
	if pr := p.slot.Get(); pr != nil {
		return pr, nil
	}
	return nil, errors.New("no wallet provider available")
}

func errorResponse(id json.RawMessage, code int, msg string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: idOrNull(id), Error: &rpcError{Code: code, Message: msg}}
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Endpoint is one upstream named in configuration.
type Endpoint struct {
	Name string
	URL  string
}

// ParseEndpoints reads "name=url" pairs separated by commas.
func ParseEndpoints(raw string) ([]Endpoint, error) {
	var out []Endpoint
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid upstream %q, want name=url", part)
		}
		out = append(out, Endpoint{Name: name, URL: url})
	}
	return out, nil
}

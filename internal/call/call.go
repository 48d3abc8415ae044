// Package call defines the canonical wallet call and the decision that
// resolves it. Every other component speaks in these types.
package call

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// Gated wallet methods. Everything else passes through the interceptor untouched.
const (
	MethodRequestAccounts    = "eth_requestAccounts"
	MethodRequestPermissions = "wallet_requestPermissions"
	MethodSendTransaction    = "eth_sendTransaction"
	MethodSignTypedData      = "eth_signTypedData"
	MethodSignTypedDataV1    = "eth_signTypedData_v1"
	MethodSignTypedDataV3    = "eth_signTypedData_v3"
	MethodSignTypedDataV4    = "eth_signTypedData_v4"
	MethodPersonalSign       = "personal_sign"
	MethodEthSign            = "eth_sign"
	MethodSwitchChain        = "wallet_switchEthereumChain"
	MethodAddChain           = "wallet_addEthereumChain"
	MethodWatchAsset         = "wallet_watchAsset"

	// MethodEnable is the legacy zero-argument connect surface.
	MethodEnable = "enable"
)

var gated = map[string]bool{
	MethodRequestAccounts:    true,
	MethodRequestPermissions: true,
	MethodSendTransaction:    true,
	MethodSignTypedData:      true,
	MethodSignTypedDataV1:    true,
	MethodSignTypedDataV3:    true,
	MethodSignTypedDataV4:    true,
	MethodPersonalSign:       true,
	MethodEthSign:            true,
	MethodSwitchChain:        true,
	MethodAddChain:           true,
	MethodWatchAsset:         true,
}

// IsGated reports whether method must be held for a decision.
func IsGated(method string) bool {
	return gated[method]
}

// GatedMethods returns the gated method names.
func GatedMethods() []string {
	out := make([]string, 0, len(gated))
	for m := range gated {
		out = append(out, m)
	}
	return out
}

// Shape records which provider surface a call arrived through.
type Shape string

const (
	ShapeRequest     Shape = "request"
	ShapeSend        Shape = "send"
	ShapeSendPayload Shape = "send_payload"
	ShapeSendAsync   Shape = "send_async"
	ShapeEnable      Shape = "enable"
)

// Call is a normalized wallet call. Treat it as immutable once built.
type Call struct {
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
	Shape   Shape             `json:"shape,omitempty"`
	Origin  string            `json:"origin"`
	Host    string            `json:"host"`
	ChainID string            `json:"chainId,omitempty"`
}

// New builds a Call and derives Host from origin.
func New(method string, params []json.RawMessage, shape Shape, origin string) Call {
	return Call{
		Method: method,
		Params: params,
		Shape:  shape,
		Origin: origin,
		Host:   HostOf(origin),
	}
}

// Param returns the i-th raw param, or nil.
func (c Call) Param(i int) json.RawMessage {
	if i < 0 || i >= len(c.Params) {
		return nil
	}
	return c.Params[i]
}

// Gated reports whether the call's method is gated.
func (c Call) Gated() bool {
	return IsGated(c.Method)
}

// HostOf extracts a lowercase hostname from an origin or URL.
// Bare hostnames are accepted as-is.
func HostOf(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	if !strings.Contains(origin, "://") {
		origin = "https://" + origin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

// Source tells who produced a Decision.
type Source string

const (
	SourceHuman        Source = "human"
	SourceAuto         Source = "auto"
	SourcePolicy       Source = "policy"
	SourceMerged       Source = "merged"
	SourceTimeout      Source = "timeout"
	SourceRelayFailure Source = "relay_failure"
)

// Decision resolves exactly one gated call.
type Decision struct {
	ID        string    `json:"id"`
	Allow     bool      `json:"allow"`
	Source    Source    `json:"source"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

// Allowed returns an allow decision.
func Allowed(id string, src Source, reason string) Decision {
	return Decision{ID: id, Allow: true, Source: src, Reason: reason, DecidedAt: time.Now()}
}

// Denied returns a deny decision.
func Denied(id string, src Source, reason string) Decision {
	return Decision{ID: id, Allow: false, Source: src, Reason: reason, DecidedAt: time.Now()}
}

// Package relay carries gated calls and verdicts between the three
// contexts.
//
// Hop 1 (PageLink) connects the interceptor to the queue controller in
// the same process: it posts a GateMessage and waits, with a fail-open
// ceiling, for the matching decision. Hop 2 (Client and Hub) connects the
// queue controller to the background analysis service: a wake signal,
// then a persistent websocket port, with a one-shot HTTP request as the
// fallback. Every exchange is matched by correlation id and resolved at
// most once.
package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/flow"
	"github.com/mbd888/walletgate/internal/history"
)

// GateMessage asks the queue controller to decide one call.
type GateMessage struct {
	ID     string    `json:"id"`
	Call   call.Call `json:"call"`
	SentAt time.Time `json:"sentAt"`
}

// AnalyzeRequest is the one-shot request body.
type AnalyzeRequest struct {
	ID   string    `json:"id"`
	Call call.Call `json:"call"`
}

// AnalyzeResponse is the one-shot response body.
type AnalyzeResponse struct {
	ID       string             `json:"id"`
	Analysis *analysis.Analysis `json:"analysis"`
}

// Kind tags a PortMessage.
type Kind string

const (
	KindAnalyze Kind = "analyze"
	KindVerdict Kind = "verdict"
	KindFlow    Kind = "flow"
	KindHistory Kind = "history"
	KindError   Kind = "error"
)

// PortMessage is the websocket envelope. Only the field matching Kind is
// set.
type PortMessage struct {
	Kind     Kind               `json:"kind"`
	ID       string             `json:"id,omitempty"`
	Call     *call.Call         `json:"call,omitempty"`
	Analysis *analysis.Analysis `json:"analysis,omitempty"`
	Flow     *flow.Event        `json:"flow,omitempty"`
	Record   *history.Record    `json:"record,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Hop names used in errors and metrics.
const (
	HopPage       = "page"
	HopPort       = "port"
	HopOneShot    = "oneshot"
	HopBackground = "background"
)

var (
	ErrTimeout     = errors.New("no response before the deadline")
	ErrClosed      = errors.New("link closed")
	ErrUnavailable = errors.New("peer unavailable")
)

// Error is a relay failure. It never describes an application outcome:
// a denied call is a Decision, not an Error.
type Error struct {
	Hop string
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay %s %s: %v", e.Hop, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func relayErr(hop, op string, err error) error {
	return &Error{Hop: hop, Op: op, Err: err}
}

// IsRelayFailure reports whether err came from the relay.
func IsRelayFailure(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/flow"
	"github.com/mbd888/walletgate/internal/history"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
)

// MaxPorts is the maximum number of concurrent ports.
const MaxPorts = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Handler is the background service behind the hub.
type Handler interface {
	Analyze(ctx context.Context, c call.Call) *analysis.Analysis
	RecordFlow(ev flow.Event)
	AppendHistory(r history.Record)
}

// serverPort is the background end of one port.
type serverPort struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (p *serverPort) stop() {
	p.once.Do(func() { close(p.done) })
}

// Hub accepts ports from queue controllers and answers their requests.
type Hub struct {
	handler    Handler
	ports      map[*serverPort]bool
	register   chan *serverPort
	unregister chan *serverPort
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
	maxPorts   int

	totalPorts    atomic.Int64
	totalRequests atomic.Int64
}

// NewHub creates a hub serving h.
func NewHub(h Handler, logger *slog.Logger) *Hub {
	return &Hub{
		handler:    h,
		ports:      make(map[*serverPort]bool),
		register:   make(chan *serverPort),
		unregister: make(chan *serverPort),
		logger:     logging.Or(logger),
		done:       make(chan struct{}),
		maxPorts:   MaxPorts,
	}
}

// Run owns the port set until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("relay hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for p := range h.ports {
				p.stop()
				delete(h.ports, p)
			}
			h.mu.Unlock()
			metrics.ActivePorts.Set(0)
			h.logger.Info("relay hub stopped")
			return

		case p := <-h.register:
			h.mu.Lock()
			h.ports[p] = true
			n := len(h.ports)
			h.mu.Unlock()
			h.totalPorts.Add(1)
			metrics.ActivePorts.Set(float64(n))
			h.logger.Debug("port connected", "total", n)

		case p := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.ports[p]; ok {
				delete(h.ports, p)
				p.stop()
			}
			n := len(h.ports)
			h.mu.Unlock()
			metrics.ActivePorts.Set(float64(n))
			h.logger.Debug("port disconnected", "total", n)
		}
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connectedPorts": len(h.ports),
		"totalPorts":     h.totalPorts.Load(),
		"totalRequests":  h.totalRequests.Load(),
	}
}

// HandleWebSocket upgrades a port request.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.ports)
	h.mu.RUnlock()
	if n >= h.maxPorts {
		http.Error(w, "too many ports", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("port upgrade failed", "error", err)
		return
	}
	p := &serverPort{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	select {
	case h.register <- p:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go p.writePump()
	go p.readPump()
}

func (p *serverPort) readPump() {
	defer func() {
		select {
		case p.hub.unregister <- p:
		case <-p.hub.done:
		}
		p.stop()
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessage)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// the client pings; any traffic extends the deadline
	p.conn.SetPingHandler(func(data string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return p.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				p.hub.logger.Debug("port read ended", "error", err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg PortMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.reply(PortMessage{Kind: KindError, Error: "malformed message"})
			continue
		}
		p.dispatch(msg)
	}
}

func (p *serverPort) dispatch(msg PortMessage) {
	h := p.hub
	switch msg.Kind {
	case KindAnalyze:
		if msg.Call == nil || msg.ID == "" {
			p.reply(PortMessage{Kind: KindError, ID: msg.ID, Error: "analyze needs id and call"})
			return
		}
		h.totalRequests.Add(1)
		c := *msg.Call
		go func() {
			ctx := logging.WithCorrelationID(context.Background(), msg.ID)
			a := h.handler.Analyze(ctx, c)
			p.reply(PortMessage{Kind: KindVerdict, ID: msg.ID, Analysis: a})
		}()
	case KindFlow:
		if msg.Flow != nil {
			h.handler.RecordFlow(*msg.Flow)
		}
	case KindHistory:
		if msg.Record != nil {
			h.handler.AppendHistory(*msg.Record)
		}
	default:
		p.reply(PortMessage{Kind: KindError, ID: msg.ID, Error: "unknown kind"})
	}
}

// reply queues msg without blocking; a saturated port loses the reply and
// the client falls back on its own timeout.
func (p *serverPort) reply(msg PortMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.hub.logger.Error("encode port reply", "error", err)
		return
	}
	select {
	case p.send <- data:
	case <-p.done:
	default:
		p.hub.logger.Warn("port send buffer full, reply dropped", "id", msg.ID)
	}
}

func (p *serverPort) writePump() {
	defer func() { _ = p.conn.Close() }()
	for {
		select {
		case <-p.done:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.stop()
				return
			}
		}
	}
}

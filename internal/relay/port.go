package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/walletgate/internal/idgen"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 512 * 1024
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// port is the client end of a persistent websocket to the background
// service. It is torn down on the first error and never reused after.
type port struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	pending *Correlator[PortMessage]
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func dialPort(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header, logger *slog.Logger) (*port, error) {
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	p := &port{
		id:      idgen.WithPrefix(idgen.PrefixPort),
		conn:    conn,
		send:    make(chan []byte, 64),
		pending: NewCorrelator[PortMessage](),
		done:    make(chan struct{}),
	}
	p.logger = logger.With("port_id", p.id)
	go p.writePump()
	go p.readPump()
	p.logger.Debug("port opened")
	return p, nil
}

func (p *port) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *port) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = p.conn.Close()
		p.logger.Debug("port closed")
	})
}

// request sends msg and waits for the reply carrying the same id.
func (p *port) request(ctx context.Context, msg PortMessage) (PortMessage, error) {
	ch, cancel := p.pending.Register(msg.ID)
	defer cancel()
	if err := p.post(ctx, msg); err != nil {
		return PortMessage{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-p.done:
		return PortMessage{}, ErrClosed
	case <-ctx.Done():
		return PortMessage{}, ctx.Err()
	}
}

// post queues msg for writing.
func (p *port) post(ctx context.Context, msg PortMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case p.send <- data:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *port) readPump() {
	defer p.close()

	p.conn.SetReadLimit(maxMessage)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) && !p.closed() {
				p.logger.Warn("port read error", "error", err)
			}
			return
		}
		var msg PortMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn("malformed port message dropped", "error", err)
			continue
		}
		if msg.ID == "" || !p.pending.Resolve(msg.ID, msg) {
			p.logger.Debug("unmatched port message dropped", "kind", msg.Kind, "id", msg.ID)
		}
	}
}

func (p *port) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Warn("port write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.logger.Debug("port ping failed", "error", err)
				return
			}
		}
	}
}

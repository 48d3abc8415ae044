package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
)

const (
	defaultBuffer = 256
	writeTimeout  = 5 * time.Second
)

// Notifier hands records to a Store on a background goroutine. Notify
// never blocks: when the buffer is full the record is dropped and counted.
type Notifier struct {
	store  Store
	logger *slog.Logger
	ch     chan Record
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewNotifier starts the writer goroutine. buffer <= 0 uses a default.
func NewNotifier(store Store, buffer int, logger *slog.Logger) *Notifier {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	n := &Notifier{
		store:  store,
		logger: logging.Or(logger),
		ch:     make(chan Record, buffer),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify queues r. It reports whether r was accepted.
func (n *Notifier) Notify(r Record) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		metrics.HistoryDroppedTotal.Inc()
		return false
	}
	select {
	case n.ch <- r:
		return true
	default:
		metrics.HistoryDroppedTotal.Inc()
		return false
	}
}

// Close stops accepting records and waits for queued ones to be written,
// or for ctx to end.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.ch)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for r := range n.ch {
		n.write(r)
	}
}

func (n *Notifier) write(r Record) {
	defer func() {
		if p := recover(); p != nil {
			metrics.HistoryWriteErrorsTotal.Inc()
			n.logger.Error("history write panic", "panic", p, "correlation_id", r.CorrelationID)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := n.store.Append(ctx, r)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicate):
		n.logger.Debug("history record already stored", "correlation_id", r.CorrelationID)
	default:
		metrics.HistoryWriteErrorsTotal.Inc()
		n.logger.Warn("history write failed", "correlation_id", r.CorrelationID, "error", err)
	}
}

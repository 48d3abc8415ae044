package relay

import "sync"

// Correlator matches replies to waiters by id. Each id resolves at most
// once; late, unknown, and duplicate replies are dropped.
type Correlator[T any] struct {
	mu      sync.Mutex
	pending map[string]chan T
}

// NewCorrelator creates an empty correlator.
func NewCorrelator[T any]() *Correlator[T] {
	return &Correlator[T]{pending: make(map[string]chan T)}
}

// Register starts waiting for id. The returned cancel func forgets the id;
// it is safe to call after a resolve.
func (c *Correlator[T]) Register(id string) (<-chan T, func()) {
	ch := make(chan T, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		if cur, ok := c.pending[id]; ok && cur == ch {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}
}

// Resolve delivers v to the waiter for id. It reports whether a waiter
// was found.
func (c *Correlator[T]) Resolve(id string, v T) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- v
	return true
}

// Pending returns the number of outstanding ids.
func (c *Correlator[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Package registry tracks live signaling connections and their outbound
// message queues. It is the local delivery fabric: the signaling layer sends
// to a connection by ID, and the connection's writer goroutine drains the
// queue onto its WebSocket.
package registry

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when sending to a connection ID that is not
	// registered.
	ErrNotFound = errors.New("registry: connection not found")
	// ErrClosed is returned when sending to a connection whose queue has been
	// closed for new messages.
	ErrClosed = errors.New("registry: connection closed")
)

type conn struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Handle is the connection owner's view of its registration. The writer
// goroutine receives from Outbound until Done is closed, then drains whatever
// remains in the queue before tearing down the socket.
type Handle struct {
	c *conn
}

// Outbound is the queue of messages to deliver to the client.
func (h *Handle) Outbound() <-chan []byte {
	return h.c.ch
}

// Done is closed once the connection stops accepting new messages.
func (h *Handle) Done() <-chan struct{} {
	return h.c.done
}

// Close stops the queue accepting new messages. Messages already queued stay
// readable from Outbound. Safe to call multiple times.
func (h *Handle) Close() {
	h.c.close()
}

// Registry is a concurrency-safe map from connection ID to outbound queue.
type Registry struct {
	queueCap int

	mu    sync.Mutex
	conns map[string]*conn
}

func New(queueCap int) *Registry {
	if queueCap <= 0 {
		queueCap = 1
	}
	return &Registry{
		queueCap: queueCap,
		conns:    make(map[string]*conn),
	}
}

// Register creates an outbound queue for id and returns its handle. If the ID
// is already registered the previous registration is closed and replaced, so a
// reconnecting client cannot be shadowed by its stale predecessor.
func (r *Registry) Register(id string) *Handle {
	c := &conn{
		ch:   make(chan []byte, r.queueCap),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.conns[id]
	r.conns[id] = c
	r.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	return &Handle{c: c}
}

// Remove drops id from the registry and closes its queue. Removing an unknown
// ID is a no-op. If the current registration is not h's (the ID was replaced
// by a newer connection), the newer registration is left untouched.
func (r *Registry) Remove(id string, h *Handle) {
	r.mu.Lock()
	cur, ok := r.conns[id]
	if ok && (h == nil || cur == h.c) {
		delete(r.conns, id)
	} else {
		cur = nil
	}
	r.mu.Unlock()

	if cur != nil {
		cur.close()
	}
	if h != nil {
		h.c.close()
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Send enqueues msg for delivery to id. It blocks while the queue is full and
// fails with ErrClosed if the connection closes, or ctx.Err() if the context
// is cancelled, before space frees up.
func (r *Registry) Send(ctx context.Context, id string, msg []byte) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.ch <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

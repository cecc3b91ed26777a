package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenchat/signal-relay/internal/metrics"
	"github.com/lumenchat/signal-relay/internal/ratelimit"
	"github.com/lumenchat/signal-relay/internal/registry"
)

const (
	writeTimeout = 10 * time.Second
	// drainTimeout bounds how long teardown waits for the writer to flush
	// already-queued messages (an AuthFailed reply must reach the client
	// before the socket closes under it).
	drainTimeout = 3 * time.Second
	// cleanupTimeout bounds the store I/O done during teardown.
	cleanupTimeout = 5 * time.Second
)

// clientConn runs one signaling connection: a reader goroutine dispatching
// frames sequentially through the router, and a writer goroutine draining the
// registry queue onto the socket.
type clientConn struct {
	id     string
	ws     *websocket.Conn
	handle *registry.Handle
	srv    *Server
	log    *slog.Logger

	limiter     *ratelimit.TokenBucket
	cleanupOnce sync.Once
}

func newClientConn(id string, ws *websocket.Conn, handle *registry.Handle, srv *Server, log *slog.Logger) *clientConn {
	rate := srv.cfg.MessagesPerSecond
	if rate <= 0 {
		rate = 1
	}
	return &clientConn{
		id:      id,
		ws:      ws,
		handle:  handle,
		srv:     srv,
		log:     log,
		limiter: ratelimit.NewTokenBucket(ratelimit.RealClock{}, int64(rate), int64(rate)),
	}
}

// run owns the connection's lifetime. It returns after the reader stops, the
// writer has drained (or timed out), and cleanup has completed.
func (c *clientConn) run(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop(ctx)

	// Stop accepting new outbound messages; the writer flushes what is
	// already queued and then writes the close frame.
	c.handle.Close()
	select {
	case <-writerDone:
	case <-time.After(drainTimeout):
	}

	c.cleanup()
}

func (c *clientConn) readLoop(ctx context.Context) {
	if c.srv.cfg.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read ended", "error", err)
			}
			return
		}

		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.RateLimited)
			c.log.Warn("closing connection exceeding message rate limit")
			return
		}

		if closeConn := c.srv.router.HandleMessage(ctx, c.id, data); closeConn {
			c.log.Info("connection terminated by handler")
			return
		}
	}
}

func (c *clientConn) writeLoop() {
	for {
		select {
		case msg := <-c.handle.Outbound():
			if !c.write(msg) {
				return
			}
		case <-c.handle.Done():
			c.drain()
			return
		}
	}
}

// drain flushes messages queued before the connection was closed, then sends
// the close frame.
func (c *clientConn) drain() {
	for {
		select {
		case msg := <-c.handle.Outbound():
			if !c.write(msg) {
				return
			}
		default:
			deadline := time.Now().Add(writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (c *clientConn) write(msg []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.log.Debug("write failed", "error", err)
		// The socket is dead; closing it unblocks the reader promptly.
		_ = c.ws.Close()
		return false
	}
	return true
}

// cleanup releases everything the connection holds. Runs exactly once no
// matter which exit path got here first.
func (c *clientConn) cleanup() {
	c.cleanupOnce.Do(func() {
		c.srv.reg.Remove(c.id, c.handle)
		c.srv.peers.Close(c.id)

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := c.srv.store.RemoveConnection(ctx, c.id); err != nil {
			c.log.Error("state cleanup failed", "error", err)
		}

		_ = c.ws.Close()
		c.srv.metrics.Inc(metrics.ConnectionClosed)
		c.log.Info("connection closed")
	})
}

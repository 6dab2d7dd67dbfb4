package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrClientSendBufferFull = errors.New("client send buffer full")
	ErrClientClosed         = errors.New("client connection closed")
)

// closeWait bounds how long the writer may take to flush before the
// connection is dropped.
const closeWait = 2 * time.Second

// clientConn owns the write side of a client WebSocket. All writes go through
// one goroutine so the session never blocks on a slow client.
type clientConn struct {
	conn         *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string
	done      chan struct{}
}

func newClientConn(conn *websocket.Conn, buffer int, writeTimeout, pingInterval time.Duration, logger *slog.Logger) *clientConn {
	if buffer <= 0 {
		buffer = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	c := &clientConn{
		conn:         conn,
		send:         make(chan []byte, buffer),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		logger:       logger,
		closeCode:    websocket.CloseNormalClosure,
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *clientConn) SendText(msg string) error {
	return c.enqueue([]byte(msg))
}

func (c *clientConn) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (c *clientConn) enqueue(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrClientSendBufferFull
	}
}

// closeWith flushes queued messages, sends a close frame with code and
// closes the connection. Only the first call has an effect.
func (c *clientConn) closeWith(code int, text string) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		c.closeText = text
		close(c.send)
	}
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(closeWait):
		_ = c.conn.Close()
	}
}

func (c *clientConn) writeLoop() {
	defer close(c.done)
	defer c.conn.Close()

	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !ok {
				c.mu.Lock()
				code, text := c.closeCode, c.closeText
				c.mu.Unlock()
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("client_write_failed", slog.String("error", err.Error()))
				c.discard()
				return
			}
		case <-ping:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.discard()
				return
			}
		}
	}
}

// discard marks the connection closed after a write failure so later sends
// fail fast.
func (c *clientConn) discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readLoop forwards client messages to inbound in arrival order until the
// connection fails, then cancels the session.
func (c *clientConn) readLoop(ctx context.Context, cancel context.CancelFunc, inbound chan<- []byte, maxBytes int64, pongWait time.Duration) {
	defer close(inbound)
	defer cancel()

	if maxBytes > 0 {
		c.conn.SetReadLimit(maxBytes)
	}
	if pongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("client_read_failed", slog.String("error", err.Error()))
			}
			return
		}
		if pongWait > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

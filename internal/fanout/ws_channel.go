package fanout

import (
	"sync"
	"time"

	"TradeLedger/internal/event"

	"github.com/gorilla/websocket"
)

// WSChannel writes events as JSON text frames to a websocket connection.
// A write that misses the deadline fails the send.
type WSChannel struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	writeWait time.Duration
	closed    bool
}

func NewWSChannel(conn *websocket.Conn, writeWait time.Duration) *WSChannel {
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	return &WSChannel{conn: conn, writeWait: writeWait}
}

func (c *WSChannel) Send(evt event.AccountEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(evt)
}

// Ping sends a ping control frame; the server's keepalive loop uses it.
func (c *WSChannel) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second // must be below pongWait
	maxMessageSize = 16 * 1024
	sendBuffer     = 64
)

var (
	errClientClosed = errors.New("realtime: connection closed")
	errBufferFull   = errors.New("realtime: send buffer full")
)

// Client is one open websocket connection of a user.
type Client struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	hub  *Hub
	conn *websocket.Conn
	done chan struct{}

	// mu guards send against close; closed is set once, under mu.
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(h *Hub, conn *websocket.Conn, id, userID string, now time.Time) *Client {
	return &Client{
		ID:          id,
		UserID:      userID,
		ConnectedAt: now,
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
}

// Send queues a frame without blocking. It fails once the connection is
// closing or when the writer has fallen sendBuffer frames behind.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errBufferFull
	}
}

// close stops further sends and lets writePump drain and exit. Safe to call
// more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump owns reads; it returns when the peer goes away.
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.touch(c)
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.log.Debug("websocket read error", "user_id", c.UserID, "conn_id", c.ID, "err", err)
			}
			return
		}
		var f inboundFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.hub.log.Debug("websocket bad frame", "user_id", c.UserID, "conn_id", c.ID, "err", err)
			continue
		}
		c.hub.handleFrame(c, f)
	}
}

// writePump owns writes and pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

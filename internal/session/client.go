package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"imageflow/realtime/internal/metrics"
	"imageflow/realtime/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	DefaultSendBuffer = 256
)

// Client is the transport handle of one live connection. Outbound frames go through a
// bounded queue drained by Run, so a slow peer never stalls the sender.
type Client struct {
	ID       string
	Identity models.Identity
	Conn     *websocket.Conn

	mu     sync.Mutex
	hook   func(models.WSFrame)
	send   chan models.WSFrame
	done   chan struct{}
	closed bool
}

func NewClient(conn *websocket.Conn, identity models.Identity, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{
		ID:       uuid.NewString(),
		Identity: identity,
		Conn:     conn,
		send:     make(chan models.WSFrame, buffer),
		done:     make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.Identity.UserID }

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.WSFrame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send enqueues a frame. It never blocks: when the queue is full the frame is dropped.
func (c *Client) Send(frame models.WSFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != nil {
		c.hook(frame)
		return true
	}
	if c.closed || c.Conn == nil {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.FramesDropped.Inc()
		return false
	}
}

// Run drains the send queue into the socket and keeps the connection alive with pings.
// It returns when the client is closed or a write fails.
func (c *Client) Run() error {
	if c.Conn == nil {
		<-c.done
		return nil
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case frame := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteJSON(frame); err != nil {
				return err
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// PrepareRead installs the read limit and the pong-driven read deadline.
func (c *Client) PrepareRead(limit int64) {
	if c.Conn == nil {
		return
	}
	c.Conn.SetReadLimit(limit)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// Close stops the writer. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

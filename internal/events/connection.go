package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is the period at which pings are sent. Must be less than
	// pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound client messages; clients only send small
	// subscribe/unsubscribe frames.
	maxMessageSize = 4 * 1024

	// sendBufferSize is the buffer size for the outbound channel.
	sendBufferSize = 256
)

// Connection wraps one WebSocket client with read/write pumps.
type Connection struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool

	logger zerolog.Logger
}

// NewConnection wraps an upgraded WebSocket connection.
func NewConnection(ws *websocket.Conn, hub *Hub, logger zerolog.Logger) *Connection {
	c := &Connection{
		id:   uuid.NewString(),
		hub:  hub,
		conn: ws,
		send: make(chan []byte, sendBufferSize),
	}
	c.logger = logger.With().Str("component", "events-conn").Str("conn_id", c.id).Logger()
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// Send queues a message for delivery. Returns false if the connection is
// closed or its buffer is full (a slow client drops messages rather than
// stalling the hub).
func (c *Connection) Send(message []byte) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn().Msg("send buffer full, dropping message")
		return false
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.send)
	c.conn.Close()
}

// ReadPump reads client frames until the connection drops, dispatching
// subscribe/unsubscribe/ping requests. Runs in its own goroutine.
func (c *Connection) ReadPump() {
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("unexpected close")
			}
			return
		}
		c.handleMessage(data)
	}
}

// WritePump delivers queued messages and keepalive pings to the client.
// Runs in its own goroutine.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch any additional queued messages into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug().Err(err).Msg("failed to parse client message")
		c.sendError("invalid_message")
		return
	}

	switch msg.Type {
	case MessageTypeSubscribe:
		if msg.Room == "" {
			c.sendError("room is required")
			return
		}
		c.hub.Subscribe(c, msg.Room)
	case MessageTypeUnsubscribe:
		if msg.Room == "" {
			c.sendError("room is required")
			return
		}
		c.hub.Unsubscribe(c, msg.Room)
	case MessageTypePing:
		if pong, err := NewMessage(MessageTypePong, "", nil); err == nil {
			if data, err := pong.Bytes(); err == nil {
				c.Send(data)
			}
		}
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("unknown message type")
	}
}

func (c *Connection) sendError(reason string) {
	msg, err := NewMessage(MessageTypeError, "", map[string]string{"error": reason})
	if err != nil {
		return
	}
	if data, err := msg.Bytes(); err == nil {
		c.Send(data)
	}
}

package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Hub manages WebSocket connections and room-targeted broadcasting.
type Hub struct {
	register   chan *Connection
	unregister chan *Connection
	subscribe  chan *subscriptionRequest
	broadcast  chan *broadcastRequest

	mu          sync.RWMutex
	connections map[*Connection]struct{}
	rooms       map[string]map[*Connection]struct{}

	logger zerolog.Logger
}

type subscriptionRequest struct {
	conn      *Connection
	room      string
	subscribe bool
}

type broadcastRequest struct {
	room    string
	message []byte
}

const hubBufferSize = 256

// NewHub creates a hub. Call Run to start its event loop.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		register:    make(chan *Connection, hubBufferSize),
		unregister:  make(chan *Connection, hubBufferSize),
		subscribe:   make(chan *subscriptionRequest, hubBufferSize),
		broadcast:   make(chan *broadcastRequest, hubBufferSize),
		connections: make(map[*Connection]struct{}),
		rooms:       make(map[string]map[*Connection]struct{}),
		logger:      logger.With().Str("component", "events-hub").Logger(),
	}
}

// Run drives the hub's event loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Msg("events hub started")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info().Msg("events hub stopped")
			return

		case conn := <-h.register:
			h.handleRegister(conn)

		case conn := <-h.unregister:
			h.handleUnregister(conn)

		case req := <-h.subscribe:
			h.handleSubscription(req)

		case req := <-h.broadcast:
			h.handleBroadcast(req)

		case <-ticker.C:
			h.mu.RLock()
			h.logger.Debug().
				Int("connections", len(h.connections)).
				Int("rooms", len(h.rooms)).
				Msg("hub statistics")
			h.mu.RUnlock()
		}
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister removes a connection and its subscriptions.
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// Subscribe adds a connection to a room.
func (h *Hub) Subscribe(conn *Connection, room string) {
	h.subscribe <- &subscriptionRequest{conn: conn, room: room, subscribe: true}
}

// Unsubscribe removes a connection from a room.
func (h *Hub) Unsubscribe(conn *Connection, room string) {
	h.subscribe <- &subscriptionRequest{conn: conn, room: room}
}

// Broadcast sends a message to every connection in a room.
func (h *Hub) Broadcast(room string, message []byte) {
	h.broadcast <- &broadcastRequest{room: room, message: message}
}

// BroadcastMessage serializes and broadcasts a message to a room.
func (h *Hub) BroadcastMessage(room string, msg *Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	h.Broadcast(room, data)
	return nil
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// RoomConnectionCount returns the number of connections subscribed to a room.
func (h *Hub) RoomConnectionCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) handleRegister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn] = struct{}{}
	h.logger.Debug().Str("conn_id", conn.ID()).Int("connections", len(h.connections)).Msg("connection registered")
}

func (h *Hub) handleUnregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn]; !ok {
		return
	}
	for room, conns := range h.rooms {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.connections, conn)
	conn.Close()

	h.logger.Debug().Str("conn_id", conn.ID()).Int("connections", len(h.connections)).Msg("connection unregistered")
}

func (h *Hub) handleSubscription(req *subscriptionRequest) {
	h.mu.Lock()

	confirmType := MessageTypeUnsubscribed
	if req.subscribe {
		if _, ok := h.connections[req.conn]; !ok {
			h.mu.Unlock()
			return
		}
		if _, ok := h.rooms[req.room]; !ok {
			h.rooms[req.room] = make(map[*Connection]struct{})
		}
		h.rooms[req.room][req.conn] = struct{}{}
		confirmType = MessageTypeSubscribed
	} else if conns, ok := h.rooms[req.room]; ok {
		delete(conns, req.conn)
		if len(conns) == 0 {
			delete(h.rooms, req.room)
		}
	}
	h.mu.Unlock()

	if msg, err := NewMessage(confirmType, req.room, nil); err == nil {
		if data, err := msg.Bytes(); err == nil {
			req.conn.Send(data)
		}
	}
}

func (h *Hub) handleBroadcast(req *broadcastRequest) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.rooms[req.room]))
	for conn := range h.rooms[req.room] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.Send(req.message)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.connections {
		conn.Close()
	}
	h.connections = make(map[*Connection]struct{})
	h.rooms = make(map[string]map[*Connection]struct{})
}

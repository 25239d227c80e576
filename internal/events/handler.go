package events

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler upgrades HTTP requests to WebSocket connections on the hub.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// HandlerConfig configures the WebSocket handler.
type HandlerConfig struct {
	// AllowedOrigins lists acceptable Origin headers. "*" allows all.
	AllowedOrigins []string
	// ReadBufferSize is the buffer size for reading frames.
	ReadBufferSize int
	// WriteBufferSize is the buffer size for writing frames.
	WriteBufferSize int
}

// DefaultHandlerConfig returns the default handler configuration.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		AllowedOrigins:  []string{"*"},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// NewHandler creates a WebSocket upgrade handler.
func NewHandler(hub *Hub, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	checkOrigin := func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range cfg.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}

	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		logger: logger.With().Str("component", "events-handler").Logger(),
	}
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.hub, h.logger)
	h.hub.Register(conn)

	go conn.WritePump()
	go conn.ReadPump()
}

package events

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/azevedojoel/relay/internal/database"
)

// Publisher fans run status transitions out to subscribed clients. It
// satisfies the executors' events contract.
type Publisher struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewPublisher creates a publisher over the hub.
func NewPublisher(hub *Hub, logger zerolog.Logger) *Publisher {
	return &Publisher{
		hub:    hub,
		logger: logger.With().Str("component", "events-publisher").Logger(),
	}
}

// PublishRunStatus broadcasts a status transition to the run's own room and
// the global room. Best effort: delivery failures surface as dropped frames,
// never as run errors.
func (p *Publisher) PublishRunStatus(kind string, runID uuid.UUID, status database.RunStatus) {
	update := RunUpdate{
		Kind:   kind,
		RunID:  runID,
		Status: string(status),
	}

	for _, room := range []string{RunRoom(runID), RoomGlobal} {
		msg, err := NewMessage(MessageTypeRunUpdate, room, update)
		if err != nil {
			p.logger.Error().Err(err).Msg("failed to build run update message")
			return
		}
		if err := p.hub.BroadcastMessage(room, msg); err != nil {
			p.logger.Error().Err(err).Str("room", room).Msg("failed to broadcast run update")
		}
	}
}

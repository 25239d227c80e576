// Package events provides real-time WebSocket delivery of run lifecycle
// updates. Clients subscribe to rooms (a specific run, or everything) and
// receive a message on every status transition, so a chat surface can show
// scheduled runs progressing without polling.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType defines the type of WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"

	// Server -> Client message types
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeError        MessageType = "error"
	MessageTypeRunUpdate    MessageType = "run_update"
)

// RoomGlobal receives every run update.
const RoomGlobal = "global"

// RunRoom is the room carrying updates for one run.
func RunRoom(runID uuid.UUID) string {
	return fmt.Sprintf("run:%s", runID)
}

// Message is the wire format exchanged with clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RunUpdate is the payload of a run_update message. Kind is "agent" or
// "workflow".
type RunUpdate struct {
	Kind   string    `json:"kind"`
	RunID  uuid.UUID `json:"runId"`
	Status string    `json:"status"`
}

// NewMessage creates a message with the given type, room, and payload.
func NewMessage(msgType MessageType, room string, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &Message{
		Type:      msgType,
		Room:      room,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Bytes serializes the message to JSON.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ismail-bs/team-management-sub001/internal/domain"
)

// Event types - Client → Server. Chat content never travels inbound on
// the socket; it goes through the resource API so persistence is
// confirmed before fan-out.
const (
	EventTypeRoomJoin  = "room:join"
	EventTypeRoomLeave = "room:leave"
	EventTypePing      = "ping"
)

// Event types - Server → Client
const (
	EventTypeMessageNew          = "message:new"
	EventTypeMessageUpdated      = "message:updated"
	EventTypeMessageDeleted      = "message:deleted"
	EventTypeConversationUpdated = "conversation:updated"
	EventTypeParticipantAdded    = "conversation:participant_added"
	EventTypeParticipantRemoved  = "conversation:participant_removed"
	EventTypeUserOnline          = "user:online"
	EventTypeUserOffline         = "user:offline"
	EventTypePong                = "pong"
	EventTypeError               = "error"
)

// Event is the base envelope for all WebSocket messages.
type Event struct {
	Type           string          `json:"type"`
	ConversationID *uuid.UUID      `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      int64           `json:"ts,omitempty"`
}

// --- Client → Server payloads ---

type RoomPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// --- Server → Client payloads ---

type MessagePayload struct {
	domain.Message
}

type MessageDeletedPayload struct {
	ID int64 `json:"id,string"`
}

type ConversationPayload struct {
	domain.Conversation
	Deleted bool `json:"deleted,omitempty"`
}

type ParticipantPayload struct {
	domain.Participant
}

type ParticipantRemovedPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

type PresencePayload struct {
	UserID uuid.UUID `json:"user_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent creates a server→client event with the current timestamp.
func NewEvent(eventType string, conversationID *uuid.UUID, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:           eventType,
		ConversationID: conversationID,
		Payload:        data,
		Timestamp:      time.Now().Unix(),
	}, nil
}

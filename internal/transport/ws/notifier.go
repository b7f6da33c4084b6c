package ws

import (
	"log"

	"github.com/google/uuid"

	"github.com/ismail-bs/team-management-sub001/internal/domain"
)

// HubPublisher implements service.EventPublisher using the Hub. Every
// event goes out twice: to the conversation's room, which gives the
// viewing sessions FIFO order, and to all participant sessions, so
// idle sessions keep their unread counters live and the sender's other
// devices receive the echo. The sender is never excluded; the
// receiving client deduplicates by message id.
type HubPublisher struct {
	hub *Hub
}

func NewHubPublisher(hub *Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) MessageNew(msg *domain.Message, recipients []uuid.UUID) {
	evt, err := NewEvent(EventTypeMessageNew, &msg.ConversationID, MessagePayload{Message: *msg})
	if err != nil {
		log.Printf("ws publisher: marshal error: %v", err)
		return
	}
	p.hub.Publish(msg.ConversationID, evt)
	p.hub.PublishToUsers(recipients, evt)
}

func (p *HubPublisher) MessageUpdated(msg *domain.Message, recipients []uuid.UUID) {
	evt, err := NewEvent(EventTypeMessageUpdated, &msg.ConversationID, MessagePayload{Message: *msg})
	if err != nil {
		log.Printf("ws publisher: marshal error: %v", err)
		return
	}
	p.hub.Publish(msg.ConversationID, evt)
	p.hub.PublishToUsers(recipients, evt)
}

func (p *HubPublisher) MessageDeleted(conversationID uuid.UUID, messageID int64, recipients []uuid.UUID) {
	evt, err := NewEvent(EventTypeMessageDeleted, &conversationID, MessageDeletedPayload{ID: messageID})
	if err != nil {
		log.Printf("ws publisher: marshal error: %v", err)
		return
	}
	p.hub.Publish(conversationID, evt)
	p.hub.PublishToUsers(recipients, evt)
}

func (p *HubPublisher) ConversationUpdated(conv *domain.Conversation, deleted bool, recipients []uuid.UUID) {
	evt, err := NewEvent(EventTypeConversationUpdated, &conv.ID, ConversationPayload{Conversation: *conv, Deleted: deleted})
	if err != nil {
		log.Printf("ws publisher: marshal error: %v", err)
		return
	}
	p.hub.Publish(conv.ID, evt)
	p.hub.PublishToUsers(recipients, evt)
}

func (p *HubPublisher) ParticipantAdded(conversationID uuid.UUID, participant *domain.Participant, recipients []uuid.UUID) {
	evt, err := NewEvent(EventTypeParticipantAdded, &conversationID, ParticipantPayload{Participant: *participant})
	if err != nil {
		log.Printf("ws publisher: marshal error: %v", err)
		return
	}
	p.hub.Publish(conversationID, evt)
	// recipients include the new participant, who is not in the room yet.
	p.hub.PublishToUsers(recipients, evt)
}

func (p *HubPublisher) ParticipantRemoved(conversationID, userID uuid.UUID, recipients []uuid.UUID) {
	evt, err := NewEvent(EventTypeParticipantRemoved, &conversationID, ParticipantRemovedPayload{UserID: userID})
	if err != nil {
		log.Printf("ws publisher: marshal error: %v", err)
		return
	}
	p.hub.Publish(conversationID, evt)
	// recipients are captured before the removal, so the removed user
	// still learns about it and their client drops local access.
	p.hub.PublishToUsers(recipients, evt)
}

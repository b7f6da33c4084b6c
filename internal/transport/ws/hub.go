package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
)

// PresenceSink mirrors connect/disconnect transitions to an external
// presence store. Calls happen off the hub's hot path.
type PresenceSink interface {
	UserOnline(userID uuid.UUID)
	UserOffline(userID uuid.UUID)
}

// Hub is the event broker and connection registry. Sessions are keyed
// by session id, never by user: one user may hold several concurrent
// connections. Room membership is serialized per room so publishes in
// one conversation never contend with another.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Client // session id → client
	users    map[uuid.UUID]int     // user id → live session count
	rooms    map[uuid.UUID]*room   // conversation id → room

	presence PresenceSink
}

type room struct {
	mu      sync.Mutex
	members map[uuid.UUID]*Client // session id → client
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]*Client),
		users:    make(map[uuid.UUID]int),
		rooms:    make(map[uuid.UUID]*room),
	}
}

// SetPresenceSink sets the presence mirror (optional dependency).
func (h *Hub) SetPresenceSink(sink PresenceSink) {
	h.presence = sink
}

// Register adds a connected session. The first session of a user
// broadcasts user:online to everyone else.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.sessions[c.sessionID] = c
	h.users[c.userID]++
	first := h.users[c.userID] == 1
	total := len(h.sessions)
	h.mu.Unlock()

	log.Printf("ws hub: session %s for user %s connected (%d total)", c.sessionID, c.userID, total)

	if first {
		h.broadcastPresence(c.userID, EventTypeUserOnline)
		if h.presence != nil {
			go h.presence.UserOnline(c.userID)
		}
	}
}

// Unregister removes a session, eagerly releasing its room membership.
// The last session of a user broadcasts user:offline.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.sessions[c.sessionID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, c.sessionID)
	h.users[c.userID]--
	last := h.users[c.userID] == 0
	if last {
		delete(h.users, c.userID)
	}
	total := len(h.sessions)
	h.mu.Unlock()

	if roomID := c.activeRoom(); roomID != nil {
		h.leave(c, *roomID)
	}
	c.shutdown()

	log.Printf("ws hub: session %s for user %s disconnected (%d total)", c.sessionID, c.userID, total)

	if last {
		h.broadcastPresence(c.userID, EventTypeUserOffline)
		if h.presence != nil {
			go h.presence.UserOffline(c.userID)
		}
	}
}

// JoinRoom moves the session into a conversation room. A session holds
// at most one room at a time: joining leaves the previous room first.
func (h *Hub) JoinRoom(c *Client, conversationID uuid.UUID) {
	if prev := c.activeRoom(); prev != nil {
		if *prev == conversationID {
			return
		}
		h.leave(c, *prev)
	}

	h.mu.Lock()
	r, ok := h.rooms[conversationID]
	if !ok {
		r = &room{members: make(map[uuid.UUID]*Client)}
		h.rooms[conversationID] = r
	}
	r.mu.Lock()
	r.members[c.sessionID] = c
	r.mu.Unlock()
	h.mu.Unlock()

	c.setActiveRoom(&conversationID)
}

// LeaveRoom removes the session from a conversation room.
func (h *Hub) LeaveRoom(c *Client, conversationID uuid.UUID) {
	if prev := c.activeRoom(); prev == nil || *prev != conversationID {
		return
	}
	h.leave(c, conversationID)
	c.setActiveRoom(nil)
}

// Membership mutations hold the map lock and the room lock together,
// publish delivery holds only the room lock. Lock order is always
// h.mu before room.mu.
func (h *Hub) leave(c *Client, conversationID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[conversationID]
	if !ok {
		return
	}

	r.mu.Lock()
	delete(r.members, c.sessionID)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		delete(h.rooms, conversationID)
	}
}

// Publish fans an event out to every session joined to the
// conversation's room. Delivery is best-effort: a session whose buffer
// is full is disconnected rather than allowed to block the rest.
// Publishes for one room are serialized by the room lock, so each
// surviving session sees them in publish order.
func (h *Hub) Publish(conversationID uuid.UUID, event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("ws hub: marshal error: %v", err)
		return
	}

	h.mu.RLock()
	r, ok := h.rooms[conversationID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	var stalled []*Client
	r.mu.Lock()
	for _, c := range r.members {
		select {
		case c.send <- data:
		default:
			stalled = append(stalled, c)
		}
	}
	r.mu.Unlock()

	for _, c := range stalled {
		log.Printf("ws hub: session %s too slow, dropping", c.sessionID)
		go h.Unregister(c)
	}
}

// PublishToUsers delivers an event to every session of the listed
// users, whether or not those sessions have a room joined. Conversation
// events go through here to every participant, so sessions viewing a
// different conversation still learn about unread activity, and a
// sender's other devices receive the echo. A session joined to the
// event's room receives the event twice (here and via Publish); the
// client deduplicates by message id.
func (h *Hub) PublishToUsers(userIDs []uuid.UUID, event *Event) {
	if len(userIDs) == 0 {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("ws hub: marshal error: %v", err)
		return
	}

	targets := make(map[uuid.UUID]struct{}, len(userIDs))
	for _, id := range userIDs {
		targets[id] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.sessions {
		if _, ok := targets[c.userID]; !ok {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

// OnlineUserIDs snapshots the users with at least one live session.
// The presence janitor uses it to refresh heartbeat keys.
func (h *Hub) OnlineUserIDs() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	return ids
}

// RoomSize reports current membership of a conversation room.
func (h *Hub) RoomSize(conversationID uuid.UUID) int {
	h.mu.RLock()
	r, ok := h.rooms[conversationID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// broadcastPresence sends online/offline to all other users' sessions.
func (h *Hub) broadcastPresence(userID uuid.UUID, eventType string) {
	evt, err := NewEvent(eventType, nil, PresencePayload{UserID: userID})
	if err != nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.sessions {
		if c.userID == userID {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

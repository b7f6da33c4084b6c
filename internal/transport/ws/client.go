package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBufSize  = 256
)

// RoomAuthorizer gates room joins: only conversation participants may
// receive that conversation's events.
type RoomAuthorizer interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// Client is one live session: a single WebSocket connection bound to a
// verified user. A user may own several clients at once (multi-device).
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	auth      RoomAuthorizer
	sessionID uuid.UUID
	userID    uuid.UUID

	// room is the single conversation this session is joined to, if any.
	mu   sync.Mutex
	room *uuid.UUID

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, auth RoomAuthorizer, userID uuid.UUID) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		auth:      auth,
		sessionID: uuid.New(),
		userID:    userID,
		send:      make(chan []byte, sendBufSize),
		done:      make(chan struct{}),
	}
}

func (c *Client) SessionID() uuid.UUID { return c.sessionID }
func (c *Client) UserID() uuid.UUID    { return c.userID }

func (c *Client) activeRoom() *uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setActiveRoom(id *uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = id
}

// shutdown signals the pumps to exit. The send channel is never
// closed; the write pump simply stops draining it.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// ReadPump reads control commands from the WebSocket. Disconnect is
// detected here: transport closure unregisters the session and eagerly
// releases its room membership.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
	}()

	for {
		var event Event
		err := wsjson.Read(context.Background(), c.conn, &event)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				log.Printf("ws: session %s disconnected", c.sessionID)
			} else {
				log.Printf("ws: read error from %s: %v", c.sessionID, err)
			}
			return
		}

		c.handleEvent(&event)
	}
}

// WritePump writes queued events to the WebSocket, in order.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
	}()

	for {
		select {
		case message := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				log.Printf("ws: write error to %s: %v", c.sessionID, err)
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				log.Printf("ws: ping error to %s: %v", c.sessionID, err)
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleEvent routes an inbound control command. Join and leave are
// the only commands that mutate server state.
func (c *Client) handleEvent(event *Event) {
	switch event.Type {
	case EventTypeRoomJoin:
		var p RoomPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			c.sendError("INVALID_PAYLOAD", "invalid room:join payload")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok, err := c.auth.IsParticipant(ctx, p.ConversationID, c.userID)
		cancel()
		if err != nil {
			log.Printf("ws: join check for %s: %v", c.sessionID, err)
			c.sendError("INTERNAL", "could not join room")
			return
		}
		if !ok {
			c.sendError("FORBIDDEN", "not a participant of this conversation")
			return
		}

		c.hub.JoinRoom(c, p.ConversationID)
		log.Printf("ws: session %s joined room %s", c.sessionID, p.ConversationID)

	case EventTypeRoomLeave:
		var p RoomPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			c.sendError("INVALID_PAYLOAD", "invalid room:leave payload")
			return
		}
		c.hub.LeaveRoom(c, p.ConversationID)
		log.Printf("ws: session %s left room %s", c.sessionID, p.ConversationID)

	case EventTypePing:
		c.sendPong()

	default:
		c.sendError("UNKNOWN_EVENT", "unknown event type: "+event.Type)
	}
}

func (c *Client) sendPong() {
	data, _ := json.Marshal(Event{Type: EventTypePong})
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(code, message string) {
	evt, err := NewEvent(EventTypeError, nil, ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

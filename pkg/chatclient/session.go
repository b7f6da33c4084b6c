package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ismail-bs/team-management-sub001/internal/domain"
	"github.com/ismail-bs/team-management-sub001/internal/transport/ws"
)

// ErrSendFailed wraps a persistence failure after an optimistic
// append. The optimistic entry has already been rolled back and the
// content moved to Draft; the human decides whether to resend.
var ErrSendFailed = errors.New("message send failed")

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
	pageSize      = 50
)

// API is the resource-layer boundary the session talks to for anything
// persistent. Chat content goes through here, never over the socket.
type API interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, before *int64, limit int) ([]domain.Message, bool, error)
	SendMessage(ctx context.Context, conversationID uuid.UUID, content string) (*domain.Message, error)
	MarkRead(ctx context.Context, conversationID uuid.UUID) error
}

// Session owns one realtime connection and the local view it feeds.
// The connection object is explicit: construct a Session per login,
// call Connect at session start and Close at session end.
type Session struct {
	api    API
	userID uuid.UUID
	wsURL  string

	mu    sync.Mutex
	state *State
	draft string

	connMu sync.Mutex
	conn   *websocket.Conn

	connected   bool
	connectedMu sync.RWMutex

	cancel  context.CancelFunc
	runDone chan struct{}
}

func NewSession(api API, userID uuid.UUID, wsURL string) *Session {
	return &Session{
		api:    api,
		userID: userID,
		wsURL:  wsURL,
		state:  NewState(userID),
	}
}

// Connect loads the initial conversation list and starts the realtime
// loop. The loop reconnects on transport drops until Close is called;
// drops are never surfaced as errors, only through Connected().
func (s *Session) Connect(ctx context.Context) error {
	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}
	s.mu.Lock()
	s.state.SetConversations(convs)
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.runDone = make(chan struct{})
	go s.run(runCtx)
	return nil
}

// Close tears the session down.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.runDone
	}
}

// Connected reports whether the realtime channel is currently up.
// False means events may be missing; it is a passive indicator, not an
// error state.
func (s *Session) Connected() bool {
	s.connectedMu.RLock()
	defer s.connectedMu.RUnlock()
	return s.connected
}

func (s *Session) setConnected(v bool) {
	s.connectedMu.Lock()
	s.connected = v
	s.connectedMu.Unlock()
}

// run dials, reads events until the transport drops, then backs off
// and redials. After every reconnect the previously active room is
// re-joined and its page re-fetched as a fresh Load, because events
// published during the gap were never received.
func (s *Session) run(ctx context.Context) {
	defer close(s.runDone)

	backoff := reconnectBase
	for {
		conn, _, err := websocket.Dial(ctx, s.wsURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("chatclient: dial failed: %v (retrying in %s)", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectBase

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.setConnected(true)

		s.resync(ctx)
		s.readLoop(ctx, conn)

		s.setConnected(false)
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
	}
}

// resync re-joins the active room and replaces the active message
// buffer with a freshly fetched page. Local buffers are never trusted
// across a reconnect.
func (s *Session) resync(ctx context.Context) {
	s.mu.Lock()
	active := s.state.ActiveConversation()
	s.mu.Unlock()
	if active == nil {
		return
	}

	if err := s.sendCommand(ctx, ws.EventTypeRoomJoin, *active); err != nil {
		log.Printf("chatclient: rejoin failed: %v", err)
		return
	}

	s.mu.Lock()
	s.state.BeginSelect(*active)
	s.mu.Unlock()

	page, _, err := s.api.ListMessages(ctx, *active, nil, pageSize)
	if err != nil {
		log.Printf("chatclient: page refetch failed: %v", err)
		return
	}

	s.mu.Lock()
	s.state.CompleteSelect(*active, page)
	s.mu.Unlock()
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var event ws.Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() == nil {
				log.Printf("chatclient: connection dropped: %v", err)
			}
			return
		}
		s.handleEvent(ctx, &event)
	}
}

// Select makes a conversation the single Active one: leave the old
// room, join the new one, fetch the page, reset unread, mark read.
func (s *Session) Select(ctx context.Context, conversationID uuid.UUID) error {
	s.mu.Lock()
	prev := s.state.ActiveConversation()
	s.state.BeginSelect(conversationID)
	s.mu.Unlock()

	if prev != nil && *prev != conversationID {
		if err := s.sendCommand(ctx, ws.EventTypeRoomLeave, *prev); err != nil {
			log.Printf("chatclient: leave failed: %v", err)
		}
	}
	if err := s.sendCommand(ctx, ws.EventTypeRoomJoin, conversationID); err != nil {
		log.Printf("chatclient: join failed: %v", err)
	}

	page, _, err := s.api.ListMessages(ctx, conversationID, nil, pageSize)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}

	s.mu.Lock()
	s.state.CompleteSelect(conversationID, page)
	s.mu.Unlock()

	if err := s.api.MarkRead(ctx, conversationID); err != nil {
		log.Printf("chatclient: mark read failed: %v", err)
	}
	return nil
}

// Send performs an optimistic send: the message renders immediately,
// then the persistence call either confirms it in place or rolls it
// back, restoring the content to Draft for a manual retry.
func (s *Session) Send(ctx context.Context, content string) error {
	s.mu.Lock()
	active := s.state.ActiveConversation()
	if active == nil {
		s.mu.Unlock()
		return errors.New("no active conversation")
	}
	tempID := "tmp-" + uuid.NewString()
	s.state.AppendPending(tempID, content)
	s.draft = ""
	s.mu.Unlock()

	msg, err := s.api.SendMessage(ctx, *active, content)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if restored, ok := s.state.FailPending(tempID); ok {
			s.draft = restored
		}
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	s.state.ConfirmPending(tempID, *msg)
	return nil
}

func (s *Session) handleEvent(ctx context.Context, event *ws.Event) {
	var fx Effects

	s.mu.Lock()
	switch event.Type {
	case ws.EventTypeMessageNew:
		var p ws.MessagePayload
		if err := json.Unmarshal(event.Payload, &p); err == nil {
			fx = s.state.ApplyMessageNew(p.Message)
		}
	case ws.EventTypeMessageUpdated:
		var p ws.MessagePayload
		if err := json.Unmarshal(event.Payload, &p); err == nil {
			s.state.ApplyMessageUpdated(p.Message)
		}
	case ws.EventTypeMessageDeleted:
		var p ws.MessageDeletedPayload
		if err := json.Unmarshal(event.Payload, &p); err == nil {
			s.state.ApplyMessageDeleted(p.ID)
		}
	case ws.EventTypeConversationUpdated:
		var p ws.ConversationPayload
		if err := json.Unmarshal(event.Payload, &p); err == nil {
			s.state.ApplyConversationUpdated(p.Conversation, p.Deleted)
		}
	case ws.EventTypeParticipantAdded:
		// Membership metadata only; the next list fetch reflects it.
	case ws.EventTypeParticipantRemoved:
		var p ws.ParticipantRemovedPayload
		if err := json.Unmarshal(event.Payload, &p); err == nil && event.ConversationID != nil {
			s.state.ApplyParticipantRemoved(*event.ConversationID, p.UserID)
		}
	case ws.EventTypeUserOnline:
		var p ws.PresencePayload
		if err := json.Unmarshal(event.Payload, &p); err == nil {
			s.state.ApplyPresence(p.UserID, true)
		}
	case ws.EventTypeUserOffline:
		var p ws.PresencePayload
		if err := json.Unmarshal(event.Payload, &p); err == nil {
			s.state.ApplyPresence(p.UserID, false)
		}
	}
	s.mu.Unlock()

	if fx.MarkRead && event.ConversationID != nil {
		if err := s.api.MarkRead(ctx, *event.ConversationID); err != nil {
			log.Printf("chatclient: mark read failed: %v", err)
		}
	}
	if fx.RefreshList {
		if convs, err := s.api.ListConversations(ctx); err == nil {
			s.mu.Lock()
			s.state.SetConversations(convs)
			s.mu.Unlock()
		}
	}
}

func (s *Session) sendCommand(ctx context.Context, eventType string, conversationID uuid.UUID) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	payload, err := json.Marshal(ws.RoomPayload{ConversationID: conversationID})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, ws.Event{Type: eventType, Payload: payload})
}

// --- observable state ---

func (s *Session) Conversations() []domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Conversations()
}

func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Messages()
}

func (s *Session) UnreadCount(conversationID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UnreadCount(conversationID)
}

func (s *Session) IsOnline(userID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsOnline(userID)
}

// Draft holds compose content restored from a failed send.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Notice returns and clears the pending user-facing notice, such as
// removal from the active conversation.
func (s *Session) Notice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Notice()
}

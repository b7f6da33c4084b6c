package chatclient

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ismail-bs/team-management-sub001/internal/domain"
)

// Phase is the per-selection lifecycle of the active conversation.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseActive
)

// Message is a client-side view entry. A pending entry is an
// optimistic render identified by TempID; the server id is zero until
// the send is confirmed.
type Message struct {
	domain.Message
	TempID  string `json:"temp_id,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// Effects tells the session which follow-up IO an applied event needs.
type Effects struct {
	// MarkRead: the event landed in the active conversation, so a
	// read-receipt update should be issued.
	MarkRead bool
	// RefreshList: the event referenced a conversation this client has
	// never seen; the conversation list must be re-fetched.
	RefreshList bool
}

// State is the local view of the conversation list, the active
// conversation's message buffer, and per-conversation unread counters.
// It is not safe for concurrent use; Session serializes access.
//
// The server is the source of truth: everything here is a cache that
// gets replaced wholesale on reconnect.
type State struct {
	userID uuid.UUID

	conversations []domain.Conversation // sorted by UpdatedAt descending
	unread        map[uuid.UUID]int

	active   *uuid.UUID
	phase    Phase
	messages []Message

	online map[uuid.UUID]bool

	notice string
}

func NewState(userID uuid.UUID) *State {
	return &State{
		userID: userID,
		unread: make(map[uuid.UUID]int),
		online: make(map[uuid.UUID]bool),
	}
}

// SetConversations replaces the conversation list with the server's
// authoritative copy, seeding unread counters from it.
func (s *State) SetConversations(convs []domain.Conversation) {
	s.conversations = append([]domain.Conversation(nil), convs...)
	s.unread = make(map[uuid.UUID]int, len(convs))
	for _, c := range convs {
		s.unread[c.ID] = c.UnreadCount
	}
	s.sortConversations()
}

// BeginSelect enters Loading for a conversation. The previous active
// conversation goes back to Idle and its buffer is dropped.
func (s *State) BeginSelect(conversationID uuid.UUID) {
	s.active = &conversationID
	s.phase = PhaseLoading
	s.messages = nil
}

// CompleteSelect installs the fetched page and activates the
// conversation. Events that raced in during Loading are merged in by
// id, so nothing is duplicated or lost. The unread counter resets to
// zero on selection.
func (s *State) CompleteSelect(conversationID uuid.UUID, page []domain.Message) {
	if s.active == nil || *s.active != conversationID {
		return // selection changed while the page was in flight
	}

	merged := make([]Message, 0, len(page)+len(s.messages))
	seen := make(map[int64]struct{}, len(page))
	for _, m := range page {
		merged = append(merged, Message{Message: m})
		seen[m.ID] = struct{}{}
	}
	for _, m := range s.messages {
		if m.Pending {
			merged = append(merged, m)
			continue
		}
		if _, ok := seen[m.ID]; !ok {
			merged = append(merged, m)
		}
	}

	s.messages = merged
	s.sortMessages()
	s.phase = PhaseActive
	s.unread[conversationID] = 0
}

// ClearSelection returns to Idle with no active conversation.
func (s *State) ClearSelection() {
	s.active = nil
	s.phase = PhaseIdle
	s.messages = nil
}

// AppendPending adds an optimistic entry for a just-sent message.
func (s *State) AppendPending(tempID, content string) {
	if s.active == nil {
		return
	}
	s.messages = append(s.messages, Message{
		Message: domain.Message{
			ConversationID: *s.active,
			SenderID:       s.userID,
			Content:        content,
			CreatedAt:      time.Now(),
		},
		TempID:  tempID,
		Pending: true,
	})
}

// ConfirmPending swaps the optimistic entry for the server-confirmed
// message in the same slot. The list is never grown here: if the echo
// already arrived the entry count stays the same either way.
func (s *State) ConfirmPending(tempID string, msg domain.Message) {
	for i := range s.messages {
		if s.messages[i].TempID == tempID {
			s.messages[i] = Message{Message: msg}
			s.sortMessages()
			s.touchConversation(msg.ConversationID, &msg, msg.CreatedAt)
			return
		}
	}
}

// FailPending rolls back the optimistic entry and returns its content
// so the caller can restore the compose input. No ghost entries remain.
func (s *State) FailPending(tempID string) (content string, ok bool) {
	for i := range s.messages {
		if s.messages[i].TempID == tempID {
			content = s.messages[i].Content
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return content, true
		}
	}
	return "", false
}

// ApplyMessageNew applies an inbound message:new event.
func (s *State) ApplyMessageNew(msg domain.Message) Effects {
	var fx Effects

	if !s.knowsConversation(msg.ConversationID) {
		fx.RefreshList = true
		if msg.SenderID != s.userID {
			s.unread[msg.ConversationID]++
		}
		return fx
	}

	if msg.SenderID == s.userID {
		// Echo of our own send (possibly from another device). The
		// optimistic reconciliation owns the message body; only the
		// list metadata moves.
		s.touchConversation(msg.ConversationID, &msg, msg.CreatedAt)
		return fx
	}

	if s.active != nil && *s.active == msg.ConversationID && s.phase != PhaseIdle {
		if !s.hasMessage(msg.ID) {
			s.messages = append(s.messages, Message{Message: msg})
			s.sortMessages()
		}
		if s.phase == PhaseActive {
			fx.MarkRead = true
		}
	} else {
		s.unread[msg.ConversationID]++
	}

	s.touchConversation(msg.ConversationID, &msg, msg.CreatedAt)
	return fx
}

// ApplyMessageUpdated patches the matching entry by id; no-op when the
// conversation is not loaded.
func (s *State) ApplyMessageUpdated(msg domain.Message) {
	for i := range s.messages {
		if !s.messages[i].Pending && s.messages[i].ID == msg.ID {
			s.messages[i] = Message{Message: msg}
			return
		}
	}
}

// ApplyMessageDeleted removes the matching entry by id.
func (s *State) ApplyMessageDeleted(messageID int64) {
	for i := range s.messages {
		if !s.messages[i].Pending && s.messages[i].ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// ApplyConversationUpdated patches the conversation's metadata, or, if
// the server deleted it, drops it entirely.
func (s *State) ApplyConversationUpdated(conv domain.Conversation, deleted bool) {
	if deleted {
		s.dropConversation(conv.ID, "This conversation has been deleted")
		return
	}
	for i := range s.conversations {
		if s.conversations[i].ID == conv.ID {
			last := s.conversations[i].LastMessage
			s.conversations[i] = conv
			if conv.LastMessage == nil {
				s.conversations[i].LastMessage = last
			}
			s.sortConversations()
			return
		}
	}
}

// ApplyParticipantRemoved handles a removal event. When the removed
// user is the local user, access to the conversation is dropped
// immediately, active or not.
func (s *State) ApplyParticipantRemoved(conversationID, userID uuid.UUID) {
	if userID == s.userID {
		s.dropConversation(conversationID, "You have been removed from this conversation")
	}
}

// ApplyPresence records a user:online / user:offline transition.
func (s *State) ApplyPresence(userID uuid.UUID, online bool) {
	if online {
		s.online[userID] = true
	} else {
		delete(s.online, userID)
	}
}

func (s *State) dropConversation(conversationID uuid.UUID, notice string) {
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			break
		}
	}
	delete(s.unread, conversationID)
	if s.active != nil && *s.active == conversationID {
		s.ClearSelection()
		s.notice = notice
	}
}

func (s *State) touchConversation(conversationID uuid.UUID, last *domain.Message, at time.Time) {
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			if s.conversations[i].UpdatedAt.Before(at) {
				s.conversations[i].UpdatedAt = at
			}
			if last != nil {
				s.conversations[i].LastMessage = last
			}
			s.sortConversations()
			return
		}
	}
}

func (s *State) knowsConversation(conversationID uuid.UUID) bool {
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			return true
		}
	}
	return false
}

func (s *State) hasMessage(id int64) bool {
	for i := range s.messages {
		if !s.messages[i].Pending && s.messages[i].ID == id {
			return true
		}
	}
	return false
}

func (s *State) sortConversations() {
	sort.SliceStable(s.conversations, func(i, j int) bool {
		return s.conversations[i].UpdatedAt.After(s.conversations[j].UpdatedAt)
	})
}

// Display order is always (CreatedAt, ID) ascending; pending entries
// sort by timestamp alone since they have no server id yet.
func (s *State) sortMessages() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		a, b := &s.messages[i], &s.messages[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// --- observable accessors ---

func (s *State) Conversations() []domain.Conversation {
	return append([]domain.Conversation(nil), s.conversations...)
}

func (s *State) Messages() []Message {
	return append([]Message(nil), s.messages...)
}

func (s *State) ActiveConversation() *uuid.UUID {
	if s.active == nil {
		return nil
	}
	id := *s.active
	return &id
}

func (s *State) Phase() Phase { return s.phase }

func (s *State) UnreadCount(conversationID uuid.UUID) int {
	return s.unread[conversationID]
}

func (s *State) IsOnline(userID uuid.UUID) bool {
	return s.online[userID]
}

// Notice returns and clears the pending user-facing notice.
func (s *State) Notice() string {
	n := s.notice
	s.notice = ""
	return n
}

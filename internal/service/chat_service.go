package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ismail-bs/team-management-sub001/internal/domain"
	"github.com/ismail-bs/team-management-sub001/internal/repository"
	"github.com/ismail-bs/team-management-sub001/pkg/snowflake"
)

const maxContentLength = 4000

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotParticipant       = errors.New("you are not a participant of this conversation")
	ErrForbidden            = errors.New("you are not allowed to perform this action")
	ErrInvalidContent       = errors.New("message content is empty or too long")
	ErrInvalidKind          = errors.New("invalid conversation kind")
	ErrDirectConversation   = errors.New("operation not allowed on direct conversations")
	ErrCannotMessageSelf    = errors.New("cannot start a conversation with yourself")
	ErrUserNotFound         = errors.New("user not found")
)

// EventPublisher fans out conversation events to connected sessions.
// The service publishes only after persistence has succeeded, and
// passes the participant user ids so delivery reaches every
// participant's sessions, not just those viewing the conversation.
type EventPublisher interface {
	MessageNew(msg *domain.Message, recipients []uuid.UUID)
	MessageUpdated(msg *domain.Message, recipients []uuid.UUID)
	MessageDeleted(conversationID uuid.UUID, messageID int64, recipients []uuid.UUID)
	ConversationUpdated(conv *domain.Conversation, deleted bool, recipients []uuid.UUID)
	ParticipantAdded(conversationID uuid.UUID, p *domain.Participant, recipients []uuid.UUID)
	ParticipantRemoved(conversationID, userID uuid.UUID, recipients []uuid.UUID)
}

type ChatService struct {
	convRepo    repository.ConversationRepository
	messageRepo repository.MessageRepository
	userRepo    repository.UserRepository
	ids         *snowflake.Node
	publisher   EventPublisher
}

func NewChatService(
	convRepo repository.ConversationRepository,
	messageRepo repository.MessageRepository,
	userRepo repository.UserRepository,
	ids *snowflake.Node,
) *ChatService {
	return &ChatService{
		convRepo:    convRepo,
		messageRepo: messageRepo,
		userRepo:    userRepo,
		ids:         ids,
	}
}

// SetPublisher sets the real-time publisher (optional dependency).
func (s *ChatService) SetPublisher(p EventPublisher) {
	s.publisher = p
}

type CreateConversationInput struct {
	Kind           string      `json:"kind"`
	ParticipantIDs []uuid.UUID `json:"participant_ids"`
	Name           *string     `json:"name,omitempty"`
	ProjectID      *uuid.UUID  `json:"project_id,omitempty"`
}

type SendMessageInput struct {
	Content    string             `json:"content"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
}

type MessageListResponse struct {
	Messages []domain.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// CreateConversation creates a conversation with the creator as a
// participant. Direct conversations are deduplicated on the canonical
// pair key: a second create for the same two users returns the
// existing conversation.
func (s *ChatService) CreateConversation(ctx context.Context, creatorID uuid.UUID, input CreateConversationInput) (*domain.Conversation, error) {
	switch input.Kind {
	case domain.KindDirect, domain.KindGroup, domain.KindProject:
	default:
		return nil, ErrInvalidKind
	}

	var directKey string

	// The creator always participates.
	members := map[uuid.UUID]struct{}{creatorID: {}}
	for _, id := range input.ParticipantIDs {
		members[id] = struct{}{}
	}

	if input.Kind == domain.KindDirect {
		if len(members) != 2 {
			return nil, ErrCannotMessageSelf
		}
		var other uuid.UUID
		for id := range members {
			if id != creatorID {
				other = id
			}
		}
		u, err := s.userRepo.GetByID(ctx, other)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, ErrUserNotFound
		}

		directKey = domain.DirectKey(creatorID, other)
		existing, err := s.convRepo.GetDirectByKey(ctx, directKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	now := time.Now()
	conv := &domain.Conversation{
		ID:        uuid.New(),
		Kind:      input.Kind,
		ProjectID: input.ProjectID,
		CreatedBy: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input.Kind != domain.KindDirect {
		conv.Name = input.Name
	}

	var participants []domain.Participant
	for id := range members {
		role := domain.RoleMember
		// Direct conversations have no admin; elsewhere the creator is one.
		if input.Kind != domain.KindDirect && id == creatorID {
			role = domain.RoleAdmin
		}
		participants = append(participants, domain.Participant{
			ConversationID: conv.ID,
			UserID:         id,
			Role:           role,
			LastReadAt:     now,
			JoinedAt:       now,
		})
	}

	if err := s.convRepo.Create(ctx, conv, participants); err != nil {
		// Two sessions creating the same direct conversation can both
		// pass the lookup above; the loser hits the direct_key unique
		// index. Resolve to the winner's conversation.
		if errors.Is(err, repository.ErrDuplicateDirectKey) {
			existing, lookupErr := s.convRepo.GetDirectByKey(ctx, directKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	return conv, nil
}

func (s *ChatService) GetConversation(ctx context.Context, userID, conversationID uuid.UUID) (*domain.Conversation, error) {
	if _, err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.convRepo.GetByID(ctx, conversationID)
}

func (s *ChatService) ListConversations(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	convs, err := s.convRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return convs, nil
}

func (s *ChatService) ListParticipants(ctx context.Context, userID, conversationID uuid.UUID) ([]domain.Participant, error) {
	if _, err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.convRepo.ListParticipants(ctx, conversationID)
}

// SendMessage persists the message, bumps the conversation, then fans
// out message:new. Persistence is the commit point: a message is
// never published unless it was durably stored first.
func (s *ChatService) SendMessage(ctx context.Context, conversationID, senderID uuid.UUID, input SendMessageInput) (*domain.Message, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" || len(content) > maxContentLength {
		return nil, ErrInvalidContent
	}

	if _, err := s.requireParticipant(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:             s.ids.Generate(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Attachment:     input.Attachment,
		CreatedAt:      time.Now(),
	}

	if err := s.messageRepo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}

	if err := s.convRepo.Touch(ctx, conversationID, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}

	full, err := s.messageRepo.GetByID(ctx, msg.ID)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		s.publisher.MessageNew(full, s.recipientIDs(ctx, conversationID))
	}

	return full, nil
}

func (s *ChatService) ListMessages(ctx context.Context, userID, conversationID uuid.UUID, before *int64, limit int) (*MessageListResponse, error) {
	if _, err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	// Fetch limit+1 to learn whether older messages remain.
	messages, err := s.messageRepo.ListByConversation(ctx, conversationID, before, limit+1)
	if err != nil {
		return nil, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[len(messages)-limit:]
	}
	if messages == nil {
		messages = []domain.Message{}
	}

	return &MessageListResponse{Messages: messages, HasMore: hasMore}, nil
}

func (s *ChatService) EditMessage(ctx context.Context, editorID uuid.UUID, messageID int64, content string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" || len(content) > maxContentLength {
		return nil, ErrInvalidContent
	}

	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.DeletedAt != nil {
		return nil, ErrMessageNotFound
	}
	if msg.SenderID != editorID {
		return nil, ErrForbidden
	}

	msg.Content = content
	if err := s.messageRepo.Update(ctx, msg); err != nil {
		return nil, fmt.Errorf("updating message: %w", err)
	}

	updated, err := s.messageRepo.GetByID(ctx, msg.ID)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		s.publisher.MessageUpdated(updated, s.recipientIDs(ctx, updated.ConversationID))
	}

	return updated, nil
}

// DeleteMessage tombstones a message. The sender may always delete
// their own message; a conversation admin may delete anyone's.
func (s *ChatService) DeleteMessage(ctx context.Context, requesterID uuid.UUID, messageID int64) error {
	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.DeletedAt != nil {
		return ErrMessageNotFound
	}

	if msg.SenderID != requesterID {
		p, err := s.convRepo.GetParticipant(ctx, msg.ConversationID, requesterID)
		if err != nil {
			return err
		}
		if p == nil || p.Role != domain.RoleAdmin {
			return ErrForbidden
		}
	}

	if err := s.messageRepo.SoftDelete(ctx, messageID); err != nil {
		return err
	}

	if s.publisher != nil {
		s.publisher.MessageDeleted(msg.ConversationID, messageID, s.recipientIDs(ctx, msg.ConversationID))
	}

	return nil
}

// MarkRead advances the caller's read watermark to now. Idempotent;
// read receipts are pull-based, so no event is published.
func (s *ChatService) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	if _, err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.convRepo.SetLastRead(ctx, conversationID, userID, time.Now())
}

func (s *ChatService) UnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int, error) {
	p, err := s.requireParticipant(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return s.messageRepo.UnreadCount(ctx, conversationID, userID, p.LastReadAt)
}

func (s *ChatService) AddParticipant(ctx context.Context, conversationID, actorID, userID uuid.UUID) (*domain.Participant, error) {
	conv, _, err := s.requireAdmin(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}

	u, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}

	now := time.Now()
	p := &domain.Participant{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           domain.RoleMember,
		LastReadAt:     now,
		JoinedAt:       now,
		Username:       u.Username,
		DisplayName:    u.DisplayName,
	}
	if err := s.convRepo.AddParticipant(ctx, p); err != nil {
		return nil, fmt.Errorf("adding participant: %w", err)
	}
	if err := s.convRepo.Touch(ctx, conversationID, now); err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}

	if s.publisher != nil {
		s.publisher.ParticipantAdded(conv.ID, p, s.recipientIDs(ctx, conversationID))
	}

	return p, nil
}

// RemoveParticipant removes a user from a non-direct conversation.
// Admins may remove anyone; any participant may remove themselves.
func (s *ChatService) RemoveParticipant(ctx context.Context, conversationID, actorID, userID uuid.UUID) error {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return ErrConversationNotFound
	}
	if conv.Kind == domain.KindDirect {
		return ErrDirectConversation
	}

	actor, err := s.convRepo.GetParticipant(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if actor == nil {
		return ErrNotParticipant
	}
	if actorID != userID && actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}

	target, err := s.convRepo.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if target == nil {
		return ErrNotParticipant
	}

	// Snapshot before the removal so the removed user's sessions are
	// still addressed by the event.
	recipients := s.recipientIDs(ctx, conversationID)

	if err := s.convRepo.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("removing participant: %w", err)
	}
	if err := s.convRepo.Touch(ctx, conversationID, time.Now()); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	if s.publisher != nil {
		s.publisher.ParticipantRemoved(conversationID, userID, recipients)
	}

	return nil
}

func (s *ChatService) RenameConversation(ctx context.Context, conversationID, actorID uuid.UUID, name string) (*domain.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidContent
	}

	if _, _, err := s.requireAdmin(ctx, conversationID, actorID); err != nil {
		return nil, err
	}

	if err := s.convRepo.Rename(ctx, conversationID, name); err != nil {
		return nil, fmt.Errorf("renaming conversation: %w", err)
	}

	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		s.publisher.ConversationUpdated(conv, false, s.recipientIDs(ctx, conversationID))
	}

	return conv, nil
}

// DeleteConversation hard-deletes a non-direct conversation and all of
// its messages, then tells every joined session the conversation is gone.
func (s *ChatService) DeleteConversation(ctx context.Context, conversationID, actorID uuid.UUID) error {
	conv, _, err := s.requireAdmin(ctx, conversationID, actorID)
	if err != nil {
		return err
	}

	// Snapshot before the cascade wipes the participant rows.
	recipients := s.recipientIDs(ctx, conversationID)

	if err := s.convRepo.Delete(ctx, conversationID); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	if s.publisher != nil {
		s.publisher.ConversationUpdated(conv, true, recipients)
	}

	return nil
}

// recipientIDs resolves the conversation's participant user ids for
// event fan-out. Publishing is best-effort, so a failed lookup falls
// back to room-only delivery rather than failing the operation.
func (s *ChatService) recipientIDs(ctx context.Context, conversationID uuid.UUID) []uuid.UUID {
	participants, err := s.convRepo.ListParticipants(ctx, conversationID)
	if err != nil {
		log.Printf("chat: resolving recipients for %s: %v", conversationID, err)
		return nil
	}
	ids := make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (s *ChatService) requireParticipant(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Participant, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	p, err := s.convRepo.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotParticipant
	}
	return p, nil
}

func (s *ChatService) requireAdmin(ctx context.Context, conversationID, actorID uuid.UUID) (*domain.Conversation, *domain.Participant, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if conv == nil {
		return nil, nil, ErrConversationNotFound
	}
	if conv.Kind == domain.KindDirect {
		return nil, nil, ErrDirectConversation
	}
	p, err := s.convRepo.GetParticipant(ctx, conversationID, actorID)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, ErrNotParticipant
	}
	if p.Role != domain.RoleAdmin {
		return nil, nil, ErrForbidden
	}
	return conv, p, nil
}

// IsParticipant reports whether the user belongs to the conversation.
// The realtime gateway uses it to gate room joins.
func (s *ChatService) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	p, err := s.convRepo.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return false, err
	}
	return p != nil, nil
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ismail-bs/team-management-sub001/internal/domain"
)

// ErrDuplicateDirectKey reports that another transaction inserted a
// direct conversation for the same pair first. Callers resolve it by
// re-fetching with GetDirectByKey.
var ErrDuplicateDirectKey = errors.New("direct conversation already exists")

type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
}

type ConversationRepository interface {
	// Create inserts the conversation and its initial participant set
	// in one transaction.
	Create(ctx context.Context, conv *domain.Conversation, participants []domain.Participant) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	// GetDirectByKey finds an existing direct conversation for a
	// canonical pair key. Returns (nil, nil) when absent.
	GetDirectByKey(ctx context.Context, key string) (*domain.Conversation, error)
	// ListByUser returns the user's conversations ordered by updated_at
	// descending, each carrying LastMessage and UnreadCount.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error)
	Rename(ctx context.Context, id uuid.UUID, name string) error
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	// Delete removes the conversation, its participants and its messages.
	Delete(ctx context.Context, id uuid.UUID) error

	AddParticipant(ctx context.Context, p *domain.Participant) error
	RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID) error
	GetParticipant(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Participant, error)
	ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]domain.Participant, error)
	// SetLastRead advances the participant's read watermark. Idempotent.
	SetLastRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error
}

type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id int64) (*domain.Message, error)
	// ListByConversation pages backwards from the before cursor (or the
	// newest message when nil) and returns rows in chronological order.
	ListByConversation(ctx context.Context, conversationID uuid.UUID, before *int64, limit int) ([]domain.Message, error)
	Update(ctx context.Context, msg *domain.Message) error
	SoftDelete(ctx context.Context, id int64) error
	// UnreadCount counts live messages newer than since not sent by userID.
	UnreadCount(ctx context.Context, conversationID, userID uuid.UUID, since time.Time) (int, error)
}

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation kinds.
const (
	KindDirect  = "direct"
	KindGroup   = "group"
	KindProject = "project"
)

// Participant roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type Conversation struct {
	ID        uuid.UUID  `json:"id"`
	Kind      string     `json:"kind"`
	Name      *string    `json:"name,omitempty"`
	ProjectID *uuid.UUID `json:"project_id,omitempty"`
	CreatedBy uuid.UUID  `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Joined fields for list rendering
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}

type Participant struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Role           string    `json:"role"`
	LastReadAt     time.Time `json:"last_read_at"`
	JoinedAt       time.Time `json:"joined_at"`
	// Joined fields
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// DirectKey returns the canonical pair key for a direct conversation.
// IDs are ordered lexicographically so (a,b) and (b,a) collapse to one key,
// which a unique index turns into idempotent creation.
func DirectKey(a, b uuid.UUID) string {
	if a.String() > b.String() {
		a, b = b, a
	}
	return fmt.Sprintf("%s:%s", a, b)
}

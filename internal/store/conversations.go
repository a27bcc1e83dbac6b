package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConversationRecord maps a chat sender to their backend conversation.
// One record per sender identity; the conversation id is what the backend
// handed out on create and is reused across relay restarts.
type ConversationRecord struct {
	ID             uuid.UUID `json:"id"`
	SenderIdentity string    `json:"sender_identity"`
	DisplayName    string    `json:"display_name,omitempty"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ConversationStore persists sender→conversation mappings.
// FindByIdentity returns (nil, nil) when no record exists.
type ConversationStore interface {
	FindByIdentity(ctx context.Context, identity string) (*ConversationRecord, error)
	Upsert(ctx context.Context, identity, displayName, conversationID string) (*ConversationRecord, error)
	Touch(ctx context.Context, identity string) error
	List(ctx context.Context) ([]ConversationRecord, error)
	Delete(ctx context.Context, identity string) error
	Close() error
}

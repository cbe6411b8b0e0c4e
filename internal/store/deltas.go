package store

import (
	"fmt"
	"time"

	"github.com/nestbook/chat-backend/internal/models"
)

// DeltaKind discriminates the payloads pushed over the bus.
type DeltaKind string

const (
	DeltaMessageNew   DeltaKind = "message_new"
	DeltaMessagesRead DeltaKind = "messages_read"

	DeltaSummaryUpsert DeltaKind = "summary_upsert"
	DeltaSummaryDelete DeltaKind = "summary_delete"
	DeltaSummaryBlock  DeltaKind = "summary_block"
)

// MessageDelta is one push on a conversation's message channel. At carries
// the authoritative server timestamp; receivers order by it, never by
// arrival time.
type MessageDelta struct {
	Kind     DeltaKind       `json:"kind"`
	Message  *models.Message `json:"message,omitempty"`
	ReaderID string          `json:"readerId,omitempty"`
	At       time.Time       `json:"at"`
}

// SummaryDelta is one push on a participant's directory channel.
type SummaryDelta struct {
	Kind           DeltaKind            `json:"kind"`
	Conversation   *models.Conversation `json:"conversation,omitempty"`
	ConversationID string               `json:"conversationId"`
	BlockerID      string               `json:"blockerId,omitempty"`
	At             time.Time            `json:"at"`
}

// TypingSignal is the ephemeral presence fact for one (conversation, user)
// pair. Expiry is computed at write time so readers need no timer of their
// own: an expired signal and an explicit false are the same thing.
type TypingSignal struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Typing         bool      `json:"typing"`
	ExpiresAt      time.Time `json:"expiresAt"`
	At             time.Time `json:"at"`
}

// Active reports whether the signal still means "typing" at the given time.
func (s TypingSignal) Active(now time.Time) bool {
	return s.Typing && now.Before(s.ExpiresAt)
}

// Channel naming. One channel per conversation for messages and typing,
// one per user for directory summaries.

func MessageChannel(conversationID string) string {
	return fmt.Sprintf("chat:messages:%s", conversationID)
}

func DirectoryChannel(userID string) string {
	return fmt.Sprintf("chat:directory:%s", userID)
}

func TypingChannel(conversationID string) string {
	return fmt.Sprintf("chat:typing:%s", conversationID)
}

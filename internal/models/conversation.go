package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Conversation is one 1:1 thread between a requester and a provider,
// with the denormalized preview and unread counters the list view renders.
// The participant pair is fixed at creation; position A/B carries no meaning
// beyond column assignment.
type Conversation struct {
	ID string `gorm:"primaryKey;type:text" json:"id"`

	ParticipantAID string `gorm:"index:idx_conversations_pair;type:text;not null" json:"participantAId"`
	ParticipantBID string `gorm:"index:idx_conversations_pair;type:text;not null" json:"participantBId"`

	// Denormalized from the listing the enquiry was made about.
	ListingID    string `gorm:"index;type:text" json:"listingId"`
	ListingTitle string `gorm:"type:text" json:"listingTitle"`

	// Denormalized from the last message. LastMessageAt is the authoritative
	// list ordering key.
	LastMessageText string     `gorm:"type:text" json:"lastMessageText"`
	LastMessageAt   *time.Time `gorm:"index" json:"lastMessageAt"`

	// One counter per participant. Incremented store-side by the sender,
	// zeroed only by the owning reader.
	UnreadForA int64 `gorm:"default:0" json:"unreadForA"`
	UnreadForB int64 `gorm:"default:0" json:"unreadForB"`

	Reported   bool    `gorm:"default:false" json:"reported"`
	ReporterID *string `gorm:"type:text" json:"reporterId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return
}

// HasParticipant reports whether userID is one of the two parties.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.ParticipantAID == userID || c.ParticipantBID == userID
}

// OtherParticipant returns the peer of userID. Callers must have checked
// HasParticipant first.
func (c *Conversation) OtherParticipant(userID string) string {
	if c.ParticipantAID == userID {
		return c.ParticipantBID
	}
	return c.ParticipantAID
}

// UnreadFor returns the unread counter owned by userID.
func (c *Conversation) UnreadFor(userID string) int64 {
	if c.ParticipantAID == userID {
		return c.UnreadForA
	}
	return c.UnreadForB
}

// UnreadColumn returns the column name of the counter owned by userID,
// for atomic store-side updates.
func (c *Conversation) UnreadColumn(userID string) string {
	if c.ParticipantAID == userID {
		return "unread_for_a"
	}
	return "unread_for_b"
}

// ActivityAt is the list ordering key: last message time, or creation time
// for a thread that has no messages yet.
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message is append-only. Only the read flag mutates after creation;
// individual messages are never deleted, whole conversations are.
type Message struct {
	ID             string `gorm:"primaryKey;type:text" json:"id"`
	ConversationID string `gorm:"index;type:text;not null" json:"conversationId"`
	SenderID       string `gorm:"index;type:text;not null" json:"senderId"`

	Body string `gorm:"type:text" json:"body"`

	// CreatedAt is the authoritative ordering key; ties break by ID.
	CreatedAt time.Time `gorm:"index" json:"createdAt"`

	IsRead bool       `gorm:"default:false" json:"isRead"`
	ReadAt *time.Time `json:"readAt,omitempty"`

	// Client-generated idempotency key. A retried send after a transient
	// failure must not append twice.
	ClientMessageID *string `gorm:"uniqueIndex;type:text" json:"clientMessageId,omitempty"`

	Attachments []Attachment `gorm:"foreignKey:MessageID" json:"attachments,omitempty"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return
}

// HasContent reports whether the message carries a body or at least one
// attachment. Empty sends are rejected before any store call.
func (m *Message) HasContent() bool {
	return m.Body != "" || len(m.Attachments) > 0
}

// Before reports whether m sorts before other in the reconciled order:
// creation time ascending, ties broken by id.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// Attachment is an uploaded file referenced by a message. The bytes live in
// object storage; only the reference is part of the log.
type Attachment struct {
	ID        string `gorm:"primaryKey;type:text" json:"id"`
	MessageID string `gorm:"index;type:text;not null" json:"messageId"`

	URL         string `gorm:"type:text;not null" json:"url"`
	StorageKey  string `gorm:"type:text" json:"storageKey"`
	ContentType string `gorm:"type:text" json:"contentType"`
	Size        int64  `json:"size"`

	CreatedAt time.Time `json:"createdAt"`
}

func (a *Attachment) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return
}

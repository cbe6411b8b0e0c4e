package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Block is the pairwise fact "blocker no longer accepts messages from
// blocked". The blocked party keeps a read-only view of existing threads;
// the blocker's own view of them reads as deleted.
type Block struct {
	BlockerID string    `gorm:"primaryKey;type:text" json:"blockerId"`
	BlockedID string    `gorm:"primaryKey;type:text" json:"blockedId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Report records a conversation flagged by one of its participants.
// The conversation row itself keeps a denormalized Reported flag; this table
// is the moderation trail.
type Report struct {
	ID             string    `gorm:"primaryKey;type:text" json:"id"`
	ConversationID string    `gorm:"index;type:text;not null" json:"conversationId"`
	ReporterID     string    `gorm:"type:text;not null" json:"reporterId"`
	Reason         string    `gorm:"type:text" json:"reason"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (r *Report) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return
}

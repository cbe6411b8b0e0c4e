package models

import "time"

// User rows are owned by the surrounding marketplace application. The chat
// backend only reads the columns it needs for rendering.
type User struct {
	ID        string `gorm:"primaryKey;type:text" json:"id"`
	Username  string `gorm:"uniqueIndex;type:text" json:"username"`
	Name      string `gorm:"type:text" json:"name"`
	AvatarURL string `gorm:"type:text" json:"avatarUrl"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

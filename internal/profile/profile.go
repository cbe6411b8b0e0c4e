// Package profile reads display data owned by the surrounding marketplace
// application. Lookups degrade to a placeholder; they never block or fail
// the message flow.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nestbook/chat-backend/internal/database"
	"github.com/nestbook/chat-backend/internal/models"
	"github.com/nestbook/chat-backend/pkg/logger"
	"gorm.io/gorm"
)

// DisplayProfile is the render-only slice of a user.
type DisplayProfile struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

var placeholder = DisplayProfile{Name: "Unknown user"}

const cacheTTL = 5 * time.Minute

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// GetDisplayProfile returns name and avatar for rendering. A missing user or
// a failing store yields the placeholder, never an error.
func (s *Service) GetDisplayProfile(ctx context.Context, userID string) DisplayProfile {
	key := fmt.Sprintf("profile:%s", userID)
	if database.Redis != nil {
		var cached DisplayProfile
		if err := database.CacheGet(key, &cached); err == nil {
			return cached
		}
	}

	var user models.User
	err := s.db.WithContext(ctx).Select("id", "name", "username", "avatar_url").
		First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p := placeholder
		p.UserID = userID
		return p
	}
	if err != nil {
		logger.Log.Warn().Err(err).Str("user_id", userID).Msg("profile lookup failed, using placeholder")
		p := placeholder
		p.UserID = userID
		return p
	}

	name := user.Name
	if name == "" {
		name = user.Username
	}
	p := DisplayProfile{UserID: user.ID, Name: name, AvatarURL: user.AvatarURL}

	if database.Redis != nil {
		if err := database.CacheSet(key, p, cacheTTL); err != nil {
			logger.Log.Debug().Err(err).Msg("profile cache write failed")
		}
	}
	return p
}

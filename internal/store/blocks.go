package store

import (
	"context"
	"errors"

	"github.com/nestbook/chat-backend/internal/models"
	apperrors "github.com/nestbook/chat-backend/pkg/errors"
	"github.com/nestbook/chat-backend/pkg/logger"
	"gorm.io/gorm"
)

// BlockList reads and writes the pairwise block relation and the report
// trail. The sync engine only ever reads IsBlocked on the send path.
type BlockList struct {
	db *gorm.DB
}

func NewBlockList(db *gorm.DB) *BlockList {
	return &BlockList{db: db}
}

// IsBlocked reports whether blocker has blocked target.
func (b *BlockList) IsBlocked(ctx context.Context, blockerID, targetID string) (bool, error) {
	var blk models.Block
	err := b.db.WithContext(ctx).
		First(&blk, "blocker_id = ? AND blocked_id = ?", blockerID, targetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		logger.Log.Error().Err(err).Str("op", "is_blocked").Msg("block lookup failed")
		return false, apperrors.TransientIO("failed to check block state", err)
	}
	return true, nil
}

// RecordBlock is idempotent; blocking an already-blocked user is a no-op.
func (b *BlockList) RecordBlock(ctx context.Context, blockerID, blockedID string) error {
	blk := models.Block{BlockerID: blockerID, BlockedID: blockedID}
	err := b.db.WithContext(ctx).FirstOrCreate(&blk, models.Block{
		BlockerID: blockerID,
		BlockedID: blockedID,
	}).Error
	if err != nil {
		logger.Log.Error().Err(err).Str("op", "record_block").Msg("block write failed")
		return apperrors.TransientIO("failed to record block", err)
	}
	return nil
}

func (b *BlockList) RecordReport(ctx context.Context, conversationID, reporterID, reason string) error {
	report := models.Report{
		ConversationID: conversationID,
		ReporterID:     reporterID,
		Reason:         reason,
	}
	if err := b.db.WithContext(ctx).Create(&report).Error; err != nil {
		logger.Conv(conversationID, "record_report").Error().Err(err).Msg("report write failed")
		return apperrors.TransientIO("failed to record report", err)
	}
	return nil
}

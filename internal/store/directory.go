package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nestbook/chat-backend/internal/models"
	apperrors "github.com/nestbook/chat-backend/pkg/errors"
	"github.com/nestbook/chat-backend/pkg/logger"
	"gorm.io/gorm"
)

// Directory holds one summary row per conversation and pushes summary deltas
// on each participant's directory channel. Unread counters are incremented
// store-side so concurrent sends never lose a bump.
type Directory struct {
	db  *gorm.DB
	bus Bus
}

func NewDirectory(db *gorm.DB, bus Bus) *Directory {
	return &Directory{db: db, bus: bus}
}

func (d *Directory) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := d.db.WithContext(ctx).First(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("conversation not found")
	}
	if err != nil {
		logger.Conv(id, "get").Error().Err(err).Msg("conversation lookup failed")
		return nil, apperrors.TransientIO("failed to load conversation", err)
	}
	return &conv, nil
}

// FindBetween returns the thread between two users for a listing, if any.
// The pair is unordered.
func (d *Directory) FindBetween(ctx context.Context, a, b, listingID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := d.db.WithContext(ctx).
		Where("listing_id = ? AND ((participant_a_id = ? AND participant_b_id = ?) OR (participant_a_id = ? AND participant_b_id = ?))",
			listingID, a, b, b, a).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("conversation not found")
	}
	if err != nil {
		return nil, apperrors.TransientIO("failed to load conversation", err)
	}
	return &conv, nil
}

// AllBetween returns every thread between two users across listings.
// The pair is unordered.
func (d *Directory) AllBetween(ctx context.Context, a, b string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := d.db.WithContext(ctx).
		Where("(participant_a_id = ? AND participant_b_id = ?) OR (participant_a_id = ? AND participant_b_id = ?)",
			a, b, b, a).
		Find(&convs).Error
	if err != nil {
		return nil, apperrors.TransientIO("failed to load conversations", err)
	}
	return convs, nil
}

// EnsureBetween returns the existing thread or lazily creates it. Creation
// happens on the first message between two participants, never earlier.
func (d *Directory) EnsureBetween(ctx context.Context, a, b, listingID, listingTitle string) (*models.Conversation, error) {
	conv, err := d.FindBetween(ctx, a, b, listingID)
	if err == nil {
		return conv, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}

	conv = &models.Conversation{
		ParticipantAID: a,
		ParticipantBID: b,
		ListingID:      listingID,
		ListingTitle:   listingTitle,
	}
	if cerr := d.db.WithContext(ctx).Create(conv).Error; cerr != nil {
		// Lost a creation race; the other writer's row wins.
		if existing, ferr := d.FindBetween(ctx, a, b, listingID); ferr == nil {
			return existing, nil
		}
		logger.Conv("", "ensure").Error().Err(cerr).Msg("conversation create failed")
		return nil, apperrors.TransientIO("failed to create conversation", cerr)
	}

	d.publishUpsert(ctx, conv)
	return conv, nil
}

// peerNotBlocked excludes threads whose other participant the user has
// blocked. A block reads as a delete on the blocker's side and has to hold
// across restarts and list replays, same as the reported filter.
const peerNotBlocked = `NOT EXISTS (
	SELECT 1 FROM blocks
	WHERE blocks.blocker_id = ?
	  AND blocks.blocked_id = CASE
		WHEN conversations.participant_a_id = ? THEN conversations.participant_b_id
		ELSE conversations.participant_a_id
	  END
)`

// ListFor returns the user's conversations ordered by last activity
// descending. Reported-away and blocked-peer threads are filtered for the
// reporter/blocker only.
func (d *Directory) ListFor(ctx context.Context, userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := d.db.WithContext(ctx).
		Where("(participant_a_id = ? OR participant_b_id = ?) AND NOT (reported = ? AND reporter_id = ?)",
			userID, userID, true, userID).
		Where(peerNotBlocked, userID, userID).
		Order("COALESCE(last_message_at, created_at) DESC").
		Find(&convs).Error
	if err != nil {
		logger.Log.Error().Err(err).Str("user_id", userID).Str("op", "list_for").Msg("conversation list failed")
		return nil, apperrors.TransientIO("failed to load conversations", err)
	}
	return convs, nil
}

// UnreadTotal is the badge count across all of the user's conversations.
// Blocked-peer threads stay out so the badge matches the visible list.
func (d *Directory) UnreadTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := d.db.WithContext(ctx).Model(&models.Conversation{}).
		Select("COALESCE(SUM(CASE WHEN participant_a_id = ? THEN unread_for_a ELSE unread_for_b END), 0)", userID).
		Where("participant_a_id = ? OR participant_b_id = ?", userID, userID).
		Where(peerNotBlocked, userID, userID).
		Scan(&total).Error
	if err != nil {
		return 0, apperrors.TransientIO("failed to compute unread total", err)
	}
	return total, nil
}

// RecordMessage folds a freshly appended message into the summary: preview,
// activity timestamp and an atomic bump of the recipient's unread counter.
// Callers invoke this only after the message row is committed, which is what
// keeps summaries from ever leading the log.
func (d *Directory) RecordMessage(ctx context.Context, conv *models.Conversation, preview string, at time.Time, senderID string) error {
	recipient := conv.OtherParticipant(senderID)
	col := conv.UnreadColumn(recipient)

	err := d.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conv.ID).
		Updates(map[string]interface{}{
			"last_message_text": preview,
			"last_message_at":   at,
			col:                 gorm.Expr(col+" + ?", 1),
			"updated_at":        at,
		}).Error
	if err != nil {
		logger.Conv(conv.ID, "record_message").Error().Err(err).Msg("summary update failed")
		return apperrors.TransientIO("failed to update conversation summary", err)
	}

	fresh, gerr := d.Get(ctx, conv.ID)
	if gerr != nil {
		return gerr
	}
	d.publishUpsert(ctx, fresh)
	return nil
}

// ResetUnread zeroes the reader's own counter. Idempotent; no other party
// ever decrements a counter it does not own.
func (d *Directory) ResetUnread(ctx context.Context, conversationID, readerID string) error {
	conv, err := d.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	col := conv.UnreadColumn(readerID)

	uerr := d.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update(col, 0).Error
	if uerr != nil {
		logger.Conv(conversationID, "reset_unread").Error().Err(uerr).Msg("unread reset failed")
		return apperrors.TransientIO("failed to reset unread counter", uerr)
	}

	fresh, gerr := d.Get(ctx, conversationID)
	if gerr != nil {
		return gerr
	}
	d.publishUpsert(ctx, fresh)
	return nil
}

// Delete hard-deletes the conversation and its messages for both parties and
// pushes a tombstone to each participant's directory channel. Open handles
// on either side transition to their closed state on receipt.
func (d *Directory) Delete(ctx context.Context, conversationID string) error {
	conv, err := d.Get(ctx, conversationID)
	if err != nil {
		return err
	}

	txErr := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("message_id IN (?)", tx.Model(&models.Message{}).Select("id").Where("conversation_id = ?", conversationID)).
			Delete(&models.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Conversation{}, "id = ?", conversationID).Error
	})
	if txErr != nil {
		logger.Conv(conversationID, "delete").Error().Err(txErr).Msg("conversation delete failed")
		return apperrors.TransientIO("failed to delete conversation", txErr)
	}

	tomb := SummaryDelta{Kind: DeltaSummaryDelete, ConversationID: conversationID, At: time.Now().UTC()}
	d.publishTo(ctx, conv.ParticipantAID, tomb)
	d.publishTo(ctx, conv.ParticipantBID, tomb)
	return nil
}

// MarkReported flags the conversation and removes it from the reporter's own
// view only; the other participant keeps theirs pending moderation.
func (d *Directory) MarkReported(ctx context.Context, conversationID, reporterID string) error {
	err := d.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]interface{}{
			"reported":    true,
			"reporter_id": reporterID,
		}).Error
	if err != nil {
		logger.Conv(conversationID, "report").Error().Err(err).Msg("report flag failed")
		return apperrors.TransientIO("failed to report conversation", err)
	}

	d.publishTo(ctx, reporterID, SummaryDelta{
		Kind:           DeltaSummaryDelete,
		ConversationID: conversationID,
		At:             time.Now().UTC(),
	})
	return nil
}

// PublishBlock pushes the consequences of a new block relation on an open
// thread: the blocker's view closes like a delete, the blocked party's view
// degrades to read-only.
func (d *Directory) PublishBlock(ctx context.Context, conv *models.Conversation, blockerID string) {
	now := time.Now().UTC()
	d.publishTo(ctx, blockerID, SummaryDelta{
		Kind:           DeltaSummaryDelete,
		ConversationID: conv.ID,
		At:             now,
	})
	d.publishTo(ctx, conv.OtherParticipant(blockerID), SummaryDelta{
		Kind:           DeltaSummaryBlock,
		ConversationID: conv.ID,
		BlockerID:      blockerID,
		At:             now,
	})
}

// SubscribeUser yields decoded summary deltas for one participant.
func (d *Directory) SubscribeUser(ctx context.Context, userID string) (<-chan SummaryDelta, func(), error) {
	sub, err := d.bus.Subscribe(ctx, DirectoryChannel(userID))
	if err != nil {
		return nil, nil, apperrors.TransientIO("failed to subscribe to directory", err)
	}

	out := make(chan SummaryDelta, 64)
	go func() {
		defer close(out)
		for payload := range sub.C() {
			var delta SummaryDelta
			if err := json.Unmarshal(payload, &delta); err != nil {
				logger.Log.Warn().Err(err).Str("user_id", userID).Msg("bad summary delta payload")
				continue
			}
			out <- delta
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

func (d *Directory) publishUpsert(ctx context.Context, conv *models.Conversation) {
	delta := SummaryDelta{
		Kind:           DeltaSummaryUpsert,
		Conversation:   conv,
		ConversationID: conv.ID,
		At:             conv.UpdatedAt,
	}
	d.publishTo(ctx, conv.ParticipantAID, delta)
	d.publishTo(ctx, conv.ParticipantBID, delta)
}

func (d *Directory) publishTo(ctx context.Context, userID string, delta SummaryDelta) {
	payload, err := json.Marshal(delta)
	if err != nil {
		logger.Conv(delta.ConversationID, "publish").Error().Err(err).Msg("summary marshal failed")
		return
	}
	if err := d.bus.Publish(ctx, DirectoryChannel(userID), payload); err != nil {
		logger.Conv(delta.ConversationID, "publish").Warn().Err(err).Msg("summary publish failed")
	}
}

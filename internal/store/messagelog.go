package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nestbook/chat-backend/internal/models"
	apperrors "github.com/nestbook/chat-backend/pkg/errors"
	"github.com/nestbook/chat-backend/pkg/logger"
	"gorm.io/gorm"
)

// MessageLog is the append-only ordered record of messages per conversation.
// Appends publish a delta on the conversation's message channel after the
// row is committed, so the log delta is always observable before the
// directory summary that describes it.
type MessageLog struct {
	db  *gorm.DB
	bus Bus
}

func NewMessageLog(db *gorm.DB, bus Bus) *MessageLog {
	return &MessageLog{db: db, bus: bus}
}

// Append persists the message and pushes the delta. If the client supplied
// an idempotency key and a row with that key already exists, the existing
// row is returned and nothing is appended or pushed.
func (l *MessageLog) Append(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if msg.ClientMessageID != nil {
		var existing models.Message
		err := l.db.WithContext(ctx).Preload("Attachments").
			First(&existing, "client_message_id = ?", *msg.ClientMessageID).Error
		if err == nil {
			*msg = existing
			return nil
		}
	}

	if err := l.db.WithContext(ctx).Create(msg).Error; err != nil {
		logger.Conv(msg.ConversationID, "append").Error().Err(err).Msg("message append failed")
		return apperrors.TransientIO("failed to send message", err)
	}

	l.publish(ctx, msg.ConversationID, MessageDelta{
		Kind:    DeltaMessageNew,
		Message: msg,
		At:      msg.CreatedAt,
	})
	return nil
}

// List returns all messages of a conversation in authoritative order:
// creation time ascending, ties broken by id.
func (l *MessageLog) List(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	err := l.db.WithContext(ctx).
		Preload("Attachments").
		Where("conversation_id = ?", conversationID).
		Order("created_at asc, id asc").
		Find(&msgs).Error
	if err != nil {
		logger.Conv(conversationID, "list").Error().Err(err).Msg("message list failed")
		return nil, apperrors.TransientIO("failed to load messages", err)
	}
	return msgs, nil
}

// MarkRead flags every message not authored by readerID as read. Idempotent:
// a second call matches zero rows and pushes nothing.
func (l *MessageLog) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	now := time.Now().UTC()
	res := l.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, readerID, false).
		Updates(map[string]interface{}{
			"is_read": true,
			"read_at": now,
		})
	if res.Error != nil {
		logger.Conv(conversationID, "mark_read").Error().Err(res.Error).Msg("mark read failed")
		return 0, apperrors.TransientIO("failed to mark messages read", res.Error)
	}

	if res.RowsAffected > 0 {
		l.publish(ctx, conversationID, MessageDelta{
			Kind:     DeltaMessagesRead,
			ReaderID: readerID,
			At:       now,
		})
	}
	return res.RowsAffected, nil
}

// Subscribe yields decoded deltas for one conversation. The returned cancel
// func detaches synchronously; the delta channel closes once detached or
// when the underlying subscription drops.
func (l *MessageLog) Subscribe(ctx context.Context, conversationID string) (<-chan MessageDelta, func(), error) {
	sub, err := l.bus.Subscribe(ctx, MessageChannel(conversationID))
	if err != nil {
		return nil, nil, apperrors.TransientIO("failed to subscribe to messages", err)
	}

	out := make(chan MessageDelta, 64)
	go func() {
		defer close(out)
		for payload := range sub.C() {
			var d MessageDelta
			if err := json.Unmarshal(payload, &d); err != nil {
				logger.Conv(conversationID, "subscribe").Warn().Err(err).Msg("bad message delta payload")
				continue
			}
			out <- d
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

func (l *MessageLog) publish(ctx context.Context, conversationID string, d MessageDelta) {
	payload, err := json.Marshal(d)
	if err != nil {
		logger.Conv(conversationID, "publish").Error().Err(err).Msg("delta marshal failed")
		return
	}
	if err := l.bus.Publish(ctx, MessageChannel(conversationID), payload); err != nil {
		// Push is best-effort; subscribers converge on resubscribe.
		logger.Conv(conversationID, "publish").Warn().Err(err).Msg("delta publish failed")
	}
}

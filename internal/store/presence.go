package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nestbook/chat-backend/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// PresenceStore holds the short-lived typing and online signals. Values live
// in redis with a TTL equal to the quiet window, and every write is fanned
// out over the bus. Nothing here is durable and nothing here may block the
// message path: all failures are logged and swallowed.
type PresenceStore struct {
	rdb   *redis.Client
	bus   Bus
	quiet time.Duration
}

// NewPresenceStore builds the store. rdb may be nil (tests, single-node dev
// without redis); signals then exist only as bus pushes, which is enough
// because readers treat expiry client-side.
func NewPresenceStore(rdb *redis.Client, bus Bus, quietWindow time.Duration) *PresenceStore {
	return &PresenceStore{rdb: rdb, bus: bus, quiet: quietWindow}
}

// QuietWindow is the period after which an unrefreshed typing signal goes
// stale.
func (p *PresenceStore) QuietWindow() time.Duration { return p.quiet }

func typingKey(conversationID, userID string) string {
	return fmt.Sprintf("typing:%s:%s", conversationID, userID)
}

func onlineKey(userID string) string {
	return fmt.Sprintf("online:%s", userID)
}

// SetTyping writes the caller's own signal. ExpiresAt is computed here, at
// write time, so observers never need a timer to age it out.
func (p *PresenceStore) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	now := time.Now().UTC()
	sig := TypingSignal{
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
		ExpiresAt:      now,
		At:             now,
	}
	if typing {
		sig.ExpiresAt = now.Add(p.quiet)
	}

	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}

	if p.rdb != nil {
		key := typingKey(conversationID, userID)
		if typing {
			if err := p.rdb.Set(ctx, key, payload, p.quiet).Err(); err != nil {
				logger.Conv(conversationID, "set_typing").Warn().Err(err).Msg("typing write failed")
			}
		} else {
			if err := p.rdb.Del(ctx, key).Err(); err != nil {
				logger.Conv(conversationID, "set_typing").Warn().Err(err).Msg("typing clear failed")
			}
		}
	}

	if err := p.bus.Publish(ctx, TypingChannel(conversationID), payload); err != nil {
		logger.Conv(conversationID, "set_typing").Warn().Err(err).Msg("typing publish failed")
	}
	return nil
}

// Typing reads the current signal for one participant. Absent, expired and
// explicitly false are all the same inactive signal.
func (p *PresenceStore) Typing(ctx context.Context, conversationID, userID string) TypingSignal {
	inactive := TypingSignal{ConversationID: conversationID, UserID: userID}
	if p.rdb == nil {
		return inactive
	}

	val, err := p.rdb.Get(ctx, typingKey(conversationID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return inactive
	}
	if err != nil {
		logger.Conv(conversationID, "get_typing").Warn().Err(err).Msg("typing read failed")
		return inactive
	}

	var sig TypingSignal
	if err := json.Unmarshal([]byte(val), &sig); err != nil {
		return inactive
	}
	if !sig.Active(time.Now().UTC()) {
		return inactive
	}
	return sig
}

// Subscribe yields every typing signal written for a conversation, the
// writer's own included; callers filter by user id.
func (p *PresenceStore) Subscribe(ctx context.Context, conversationID string) (<-chan TypingSignal, func(), error) {
	sub, err := p.bus.Subscribe(ctx, TypingChannel(conversationID))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan TypingSignal, 64)
	go func() {
		defer close(out)
		for payload := range sub.C() {
			var sig TypingSignal
			if err := json.Unmarshal(payload, &sig); err != nil {
				continue
			}
			out <- sig
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

// SetOnline records coarse online/offline state with a liveness TTL; the
// socket layer refreshes it while the connection is up.
func (p *PresenceStore) SetOnline(ctx context.Context, userID string, online bool) {
	if p.rdb == nil {
		return
	}
	if online {
		if err := p.rdb.Set(ctx, onlineKey(userID), "1", 90*time.Second).Err(); err != nil {
			logger.Log.Warn().Err(err).Str("user_id", userID).Msg("online write failed")
		}
	} else {
		if err := p.rdb.Del(ctx, onlineKey(userID)).Err(); err != nil {
			logger.Log.Warn().Err(err).Str("user_id", userID).Msg("online clear failed")
		}
	}
}

// IsOnline reports coarse liveness; absence of redis degrades to offline.
func (p *PresenceStore) IsOnline(ctx context.Context, userID string) bool {
	if p.rdb == nil {
		return false
	}
	n, err := p.rdb.Exists(ctx, onlineKey(userID)).Result()
	return err == nil && n > 0
}

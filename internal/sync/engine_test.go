package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nestbook/chat-backend/internal/models"
	"github.com/nestbook/chat-backend/internal/store"
	apperrors "github.com/nestbook/chat-backend/pkg/errors"
	"github.com/nestbook/chat-backend/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	logger.Init("test")
	os.Exit(m.Run())
}

type testEnv struct {
	db     *gorm.DB
	bus    *store.MemoryBus
	log    *store.MessageLog
	dir    *store.Directory
	pres   *store.PresenceStore
	blocks *store.BlockList
	engine *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Handles query from their own goroutines; one connection keeps the
	// in-memory database consistent.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.Message{},
		&models.Attachment{},
		&models.Block{},
		&models.Report{},
	))

	bus := store.NewMemoryBus()
	env := &testEnv{
		db:     db,
		bus:    bus,
		log:    store.NewMessageLog(db, bus),
		dir:    store.NewDirectory(db, bus),
		pres:   store.NewPresenceStore(nil, bus, 150*time.Millisecond),
		blocks: store.NewBlockList(db),
	}
	env.engine = NewEngine(env.log, env.dir, env.pres, env.blocks, Options{
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
		MaxRetries: 3,
	})
	return env
}

func (env *testEnv) start(t *testing.T, sender, recipient, body string) *models.Message {
	t.Helper()
	msg, err := env.engine.StartConversation(context.Background(), StartRequest{
		SenderID:     sender,
		RecipientID:  recipient,
		ListingID:    "listing-1",
		ListingTitle: "Garden shed assembly",
		Body:         body,
	})
	require.NoError(t, err)
	return msg
}

func (env *testEnv) open(t *testing.T, conversationID, userID string) *ConversationHandle {
	t.Helper()
	h, err := env.engine.OpenConversation(context.Background(), conversationID, userID)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	require.Eventually(t, func() bool { return h.State() != HandleLoading },
		2*time.Second, 10*time.Millisecond, "handle never left loading")
	return h
}

func TestStartConversationCreatesLazilyAndReuses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.start(t, "alice", "bob", "Hi, is the shed still available?")
	second := env.start(t, "alice", "bob", "Following up")
	assert.Equal(t, first.ConversationID, second.ConversationID,
		"same pair and listing reuse the thread")

	convs, err := env.engine.Conversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Following up", convs[0].LastMessageText)
	assert.Equal(t, int64(2), convs[0].UnreadFor("bob"))
	assert.Equal(t, int64(0), convs[0].UnreadFor("alice"))
}

func TestSendRequiresContent(t *testing.T) {
	env := newTestEnv(t)
	msg := env.start(t, "alice", "bob", "Hi")

	_, err := env.engine.SendMessage(context.Background(), SendRequest{
		ConversationID: msg.ConversationID,
		SenderID:       "alice",
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeEmpty))

	// Attachment-only sends are fine.
	sent, err := env.engine.SendMessage(context.Background(), SendRequest{
		ConversationID: msg.ConversationID,
		SenderID:       "alice",
		Attachments:    []models.Attachment{{URL: "https://files.example/x.jpg"}},
	})
	require.NoError(t, err)
	assert.True(t, sent.HasContent())
}

func TestSendToNonParticipantIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	msg := env.start(t, "alice", "bob", "Hi")

	_, err := env.engine.SendMessage(context.Background(), SendRequest{
		ConversationID: msg.ConversationID,
		SenderID:       "mallory",
		Body:           "let me in",
	})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = env.engine.OpenConversation(context.Background(), msg.ConversationID, "mallory")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestLiveDeliveryAndOrdering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	h := env.open(t, first.ConversationID, "bob")
	require.Eventually(t, func() bool { return len(h.Messages()) == 1 },
		2*time.Second, 10*time.Millisecond)

	_, err := env.engine.SendMessage(ctx, SendRequest{
		ConversationID: first.ConversationID, SenderID: "bob", Body: "Hello",
	})
	require.NoError(t, err)
	_, err = env.engine.SendMessage(ctx, SendRequest{
		ConversationID: first.ConversationID, SenderID: "alice", Body: "Great, when suits you?",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.Messages()) == 3 },
		2*time.Second, 10*time.Millisecond)

	got := h.Messages()
	assert.Equal(t, "Hi", got[0].Body)
	assert.Equal(t, "Hello", got[1].Body)
	assert.Equal(t, "Great, when suits you?", got[2].Body)

	// A fresh handle replays to the same view.
	h2 := env.open(t, first.ConversationID, "alice")
	require.Eventually(t, func() bool { return len(h2.Messages()) == 3 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, idsOf(got), idsOf(h2.Messages()))
}

func TestMarkReadPropagatesAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")
	env.start(t, "alice", "bob", "Are you there?")

	aliceView := env.open(t, first.ConversationID, "alice")

	total, err := env.engine.UnreadTotal(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	require.NoError(t, env.engine.MarkRead(ctx, first.ConversationID, "bob"))

	total, err = env.engine.UnreadTotal(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	// The sender's open view sees the read flags promote.
	require.Eventually(t, func() bool {
		msgs := aliceView.Messages()
		for _, m := range msgs {
			if m.SenderID == "alice" && !m.IsRead {
				return false
			}
		}
		return len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.engine.MarkRead(ctx, first.ConversationID, "bob"))
}

func TestClientMessageIDDeduplicatesRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	key := "client-key-1"
	sent, err := env.engine.SendMessage(ctx, SendRequest{
		ConversationID:  first.ConversationID,
		SenderID:        "alice",
		Body:            "only once",
		ClientMessageID: &key,
	})
	require.NoError(t, err)

	retry, err := env.engine.SendMessage(ctx, SendRequest{
		ConversationID:  first.ConversationID,
		SenderID:        "alice",
		Body:            "only once",
		ClientMessageID: &key,
	})
	require.NoError(t, err)
	assert.Equal(t, sent.ID, retry.ID)

	msgs, err := env.engine.History(ctx, first.ConversationID, "alice")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestBlockedSendRejectedWithoutAppend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	require.NoError(t, env.engine.BlockUser(ctx, "bob", "alice"))

	_, err := env.engine.SendMessage(ctx, SendRequest{
		ConversationID: first.ConversationID, SenderID: "alice", Body: "hello?",
	})
	assert.True(t, apperrors.IsBlocked(err))

	msgs, err := env.log.List(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "rejected send must leave no trace in the log")

	// The thread reads as deleted on bob's own side too.
	_, err = env.engine.SendMessage(ctx, SendRequest{
		ConversationID: first.ConversationID, SenderID: "bob", Body: "final word",
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeClosed))
}

func TestBlockerOwnSendsRejectedAsClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	require.NoError(t, env.engine.BlockUser(ctx, "bob", "alice"))

	_, err := env.engine.SendMessage(ctx, SendRequest{
		ConversationID: first.ConversationID, SenderID: "bob", Body: "one more thing",
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeClosed))

	_, err = env.engine.StartConversation(ctx, StartRequest{
		SenderID: "bob", RecipientID: "alice",
		ListingID: "listing-9", ListingTitle: "Another listing",
		Body: "new thread",
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeClosed),
		"a new thread with a blocked peer must not open either")
}

func TestBlockHidesThreadFromBlockerAfterReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	require.NoError(t, env.engine.BlockUser(ctx, "bob", "alice"))

	// A fresh snapshot query must not resurrect the blocked-away thread.
	bobConvs, err := env.engine.Conversations(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bobConvs)

	// Nor a brand-new list handle, whose session replays from the store.
	lh := env.engine.ObserveConversationList(ctx, "bob")
	t.Cleanup(lh.Close)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, lh.Snapshot())

	total, err := env.engine.UnreadTotal(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, total)

	aliceConvs, err := env.engine.Conversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, aliceConvs, 1, "the blocked party keeps their read-only view")
	assert.Equal(t, first.ConversationID, aliceConvs[0].ID)
}

func TestMessageDeltaObservableBeforeItsSummary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	msgSub, err := env.bus.Subscribe(ctx, store.MessageChannel(first.ConversationID))
	require.NoError(t, err)
	defer msgSub.Close()
	dirSub, err := env.bus.Subscribe(ctx, store.DirectoryChannel("bob"))
	require.NoError(t, err)
	defer dirSub.Close()

	for i := 0; i < 10; i++ {
		sent, err := env.engine.SendMessage(ctx, SendRequest{
			ConversationID: first.ConversationID,
			SenderID:       "alice",
			Body:           fmt.Sprintf("ping %d", i),
		})
		require.NoError(t, err)

		var summary store.SummaryDelta
		select {
		case payload := <-dirSub.C():
			require.NoError(t, json.Unmarshal(payload, &summary))
		case <-time.After(2 * time.Second):
			t.Fatal("summary delta never arrived")
		}
		require.Equal(t, store.DeltaSummaryUpsert, summary.Kind)

		// The summary is observable, so the message delta must already sit
		// in its channel: the log publishes before the directory does.
		var md store.MessageDelta
		select {
		case payload := <-msgSub.C():
			require.NoError(t, json.Unmarshal(payload, &md))
		default:
			t.Fatalf("summary for send %d observable before its message delta", i)
		}
		assert.Equal(t, store.DeltaMessageNew, md.Kind)
		require.NotNil(t, md.Message)
		assert.Equal(t, sent.ID, md.Message.ID)
	}
}

func TestTypingDebouncerEvictedOnFlush(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	require.NoError(t, env.engine.SetTyping(ctx, first.ConversationID, "alice", true))
	env.engine.mu.Lock()
	entries := len(env.engine.typers)
	env.engine.mu.Unlock()
	require.Equal(t, 1, entries)

	require.NoError(t, env.engine.SetTyping(ctx, first.ConversationID, "alice", false))
	env.engine.mu.Lock()
	entries = len(env.engine.typers)
	env.engine.mu.Unlock()
	assert.Zero(t, entries, "idle debouncers must not accumulate")

	// Typing again after eviction still works end to end.
	bobView := env.open(t, first.ConversationID, "bob")
	require.NoError(t, env.engine.SetTyping(ctx, first.ConversationID, "alice", true))
	require.Eventually(t, func() bool { return bobView.OtherTyping() },
		2*time.Second, 10*time.Millisecond)
}

func TestOpenConversationAgainstBlockerStartsBlocked(t *testing.T) {
	env := newTestEnv(t)
	first := env.start(t, "alice", "bob", "Hi")

	require.NoError(t, env.engine.BlockUser(context.Background(), "bob", "alice"))

	h := env.open(t, first.ConversationID, "alice")
	assert.Equal(t, HandleBlocked, h.State())
	// History stays readable in the degraded state.
	require.Eventually(t, func() bool { return len(h.Messages()) == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestBlockDegradesOpenHandles(t *testing.T) {
	env := newTestEnv(t)
	first := env.start(t, "alice", "bob", "Hi")

	aliceView := env.open(t, first.ConversationID, "alice")
	bobView := env.open(t, first.ConversationID, "bob")
	require.Equal(t, HandleOpen, aliceView.State())
	require.Equal(t, HandleOpen, bobView.State())

	require.NoError(t, env.engine.BlockUser(context.Background(), "bob", "alice"))

	// The blocked party's view degrades to read-only; the blocker's view
	// closes like a delete.
	require.Eventually(t, func() bool { return aliceView.State() == HandleBlocked },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return bobView.State() == HandleClosed },
		2*time.Second, 10*time.Millisecond)
}

func TestDeleteClosesBothSides(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	aliceView := env.open(t, first.ConversationID, "alice")
	bobView := env.open(t, first.ConversationID, "bob")

	require.NoError(t, env.engine.DeleteConversation(ctx, first.ConversationID, "alice"))

	require.Eventually(t, func() bool { return aliceView.State() == HandleClosed },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return bobView.State() == HandleClosed },
		2*time.Second, 10*time.Millisecond)

	for _, user := range []string{"alice", "bob"} {
		convs, err := env.engine.Conversations(ctx, user)
		require.NoError(t, err)
		assert.Empty(t, convs)
	}
	_, err := env.engine.History(ctx, first.ConversationID, "alice")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestReportRemovesReporterViewOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	require.NoError(t, env.engine.ReportConversation(ctx, first.ConversationID, "bob", "spam"))

	bobConvs, err := env.engine.Conversations(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bobConvs)

	aliceConvs, err := env.engine.Conversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, aliceConvs, 1)
}

func TestTypingVisibleToPeerAndExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	bobView := env.open(t, first.ConversationID, "bob")

	require.NoError(t, env.engine.SetTyping(ctx, first.ConversationID, "alice", true))
	require.Eventually(t, func() bool { return bobView.OtherTyping() },
		2*time.Second, 10*time.Millisecond, "peer never saw the typing signal")

	// No refresh: the signal goes stale after the quiet window on its own.
	require.Eventually(t, func() bool { return !bobView.OtherTyping() },
		2*time.Second, 10*time.Millisecond, "typing signal never expired")
}

func TestTypingClearedBySend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	bobView := env.open(t, first.ConversationID, "bob")

	require.NoError(t, env.engine.SetTyping(ctx, first.ConversationID, "alice", true))
	require.Eventually(t, func() bool { return bobView.OtherTyping() },
		2*time.Second, 10*time.Millisecond)

	_, err := env.engine.SendMessage(ctx, SendRequest{
		ConversationID: first.ConversationID, SenderID: "alice", Body: "done typing",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !bobView.OtherTyping() },
		2*time.Second, 10*time.Millisecond, "send must clear the sender's typing signal")
}

func TestOwnTypingNeverReflected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	aliceView := env.open(t, first.ConversationID, "alice")

	require.NoError(t, env.engine.SetTyping(ctx, first.ConversationID, "alice", true))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, aliceView.OtherTyping(), "a user's own signal must not show on their view")
}

func TestListHandleTracksDirectory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	lh := env.engine.ObserveConversationList(ctx, "bob")
	t.Cleanup(lh.Close)

	first := env.start(t, "alice", "bob", "Hi about the shed")
	require.Eventually(t, func() bool { return len(lh.Snapshot()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Hi about the shed", lh.Snapshot()[0].LastMessageText)

	second, err := env.engine.StartConversation(ctx, StartRequest{
		SenderID: "carol", RecipientID: "bob",
		ListingID: "listing-2", ListingTitle: "Fence painting",
		Body: "free this weekend?",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := lh.Snapshot()
		return len(snap) == 2 && snap[0].ID == second.ConversationID
	}, 2*time.Second, 10*time.Millisecond, "newest activity sorts first")

	assert.Len(t, lh.Filter("fence"), 1)
	assert.Len(t, lh.Filter("shed"), 1)

	require.NoError(t, env.engine.DeleteConversation(ctx, first.ConversationID, "alice"))
	require.Eventually(t, func() bool { return len(lh.Snapshot()) == 1 },
		2*time.Second, 10*time.Millisecond, "tombstone must drop the summary")
}

func TestHandleCloseClearsTyping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.start(t, "alice", "bob", "Hi")

	bobView := env.open(t, first.ConversationID, "bob")
	aliceView := env.open(t, first.ConversationID, "alice")

	require.NoError(t, env.engine.SetTyping(ctx, first.ConversationID, "alice", true))
	require.Eventually(t, func() bool { return bobView.OtherTyping() },
		2*time.Second, 10*time.Millisecond)

	// Alice leaves mid-keystroke; her signal must clear for bob right away,
	// not linger until expiry.
	aliceView.Close()
	require.Eventually(t, func() bool { return !bobView.OtherTyping() },
		2*time.Second, 10*time.Millisecond, "close must flush the typing signal")
}

// Package sync is the conversation synchronization engine: it keeps one
// consistent, monotonically-advancing view per open conversation and one per
// user's conversation list while deltas arrive concurrently from the message
// log, the directory and the presence store. Correctness comes from
// timestamp-ordered reconciliation, not locking across writers.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/nestbook/chat-backend/internal/models"
	"github.com/nestbook/chat-backend/internal/store"
	apperrors "github.com/nestbook/chat-backend/pkg/errors"
	"github.com/nestbook/chat-backend/pkg/logger"
)

// MessageLog is the append-only thread store the engine syncs against.
type MessageLog interface {
	Append(ctx context.Context, msg *models.Message) error
	List(ctx context.Context, conversationID string) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
	Subscribe(ctx context.Context, conversationID string) (<-chan store.MessageDelta, func(), error)
}

// Directory is the per-user conversation summary store.
type Directory interface {
	Get(ctx context.Context, id string) (*models.Conversation, error)
	EnsureBetween(ctx context.Context, a, b, listingID, listingTitle string) (*models.Conversation, error)
	AllBetween(ctx context.Context, a, b string) ([]models.Conversation, error)
	ListFor(ctx context.Context, userID string) ([]models.Conversation, error)
	UnreadTotal(ctx context.Context, userID string) (int64, error)
	RecordMessage(ctx context.Context, conv *models.Conversation, preview string, at time.Time, senderID string) error
	ResetUnread(ctx context.Context, conversationID, readerID string) error
	Delete(ctx context.Context, conversationID string) error
	MarkReported(ctx context.Context, conversationID, reporterID string) error
	PublishBlock(ctx context.Context, conv *models.Conversation, blockerID string)
	SubscribeUser(ctx context.Context, userID string) (<-chan store.SummaryDelta, func(), error)
}

// Presence is the ephemeral signal store.
type Presence interface {
	SetTyping(ctx context.Context, conversationID, userID string, typing bool) error
	Typing(ctx context.Context, conversationID, userID string) store.TypingSignal
	Subscribe(ctx context.Context, conversationID string) (<-chan store.TypingSignal, func(), error)
	QuietWindow() time.Duration
}

// BlockList is the external block/report collaborator.
type BlockList interface {
	IsBlocked(ctx context.Context, blockerID, targetID string) (bool, error)
	RecordBlock(ctx context.Context, blockerID, blockedID string) error
	RecordReport(ctx context.Context, conversationID, reporterID, reason string) error
}

// Options bounds the resubscribe loop of live handles.
type Options struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	MaxRetries int
}

func (o *Options) fill() {
	if o.MinBackoff <= 0 {
		o.MinBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 8 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 8
	}
}

// Engine exposes every conversation operation to the presentation layer and
// hands out live handles.
type Engine struct {
	log      MessageLog
	dir      Directory
	presence Presence
	blocks   BlockList

	minBackoff time.Duration
	maxBackoff time.Duration
	maxRetries int

	mu     sync.Mutex
	typers map[string]*typingDebouncer
}

func NewEngine(log MessageLog, dir Directory, presence Presence, blocks BlockList, opts Options) *Engine {
	opts.fill()
	return &Engine{
		log:        log,
		dir:        dir,
		presence:   presence,
		blocks:     blocks,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		maxRetries: opts.MaxRetries,
		typers:     make(map[string]*typingDebouncer),
	}
}

// SendRequest is one message send into an existing conversation.
type SendRequest struct {
	ConversationID  string
	SenderID        string
	Body            string
	Attachments     []models.Attachment
	ClientMessageID *string
}

// StartRequest lazily creates the thread on the first message between two
// participants about a listing.
type StartRequest struct {
	SenderID        string
	RecipientID     string
	ListingID       string
	ListingTitle    string
	Body            string
	Attachments     []models.Attachment
	ClientMessageID *string
}

// OpenConversation returns a live handle on one thread. NotFound covers both
// a missing conversation and a caller who is not a participant. A caller the
// other side has blocked still gets the handle, in its degraded read-only
// Blocked state.
func (e *Engine) OpenConversation(ctx context.Context, conversationID, userID string) (*ConversationHandle, error) {
	conv, err := e.dir.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperrors.NotFound("conversation not found")
	}

	other := conv.OtherParticipant(userID)
	blocked, err := e.blocks.IsBlocked(ctx, other, userID)
	if err != nil {
		return nil, err
	}

	h := newConversationHandle(e, conversationID, userID, other, blocked)
	go h.run()
	return h, nil
}

// ObserveConversationList returns a live, restartable handle on the user's
// directory view.
func (e *Engine) ObserveConversationList(ctx context.Context, userID string) *ListHandle {
	h := newListHandle(e, userID)
	go h.run()
	return h
}

// SendMessage appends to the log and only then folds the preview and unread
// bump into the directory, so no observer can see the summary before the
// message it describes.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	if req.Body == "" && len(req.Attachments) == 0 {
		return nil, apperrors.Empty("message needs a body or an attachment")
	}

	conv, err := e.dir.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(req.SenderID) {
		return nil, apperrors.NotFound("conversation not found")
	}

	recipient := conv.OtherParticipant(req.SenderID)
	blocked, err := e.blocks.IsBlocked(ctx, recipient, req.SenderID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, apperrors.Blocked("recipient is not accepting messages from you")
	}
	// A thread the sender blocked away reads as deleted on their side;
	// writes into it are rejected the same way a closed handle rejects them.
	senderBlocked, err := e.blocks.IsBlocked(ctx, req.SenderID, recipient)
	if err != nil {
		return nil, err
	}
	if senderBlocked {
		return nil, apperrors.Closed("you have blocked this user")
	}

	msg := &models.Message{
		ConversationID:  conv.ID,
		SenderID:        req.SenderID,
		Body:            req.Body,
		Attachments:     req.Attachments,
		ClientMessageID: req.ClientMessageID,
	}
	if err := e.log.Append(ctx, msg); err != nil {
		return nil, err
	}
	if err := e.dir.RecordMessage(ctx, conv, previewText(msg), msg.CreatedAt, req.SenderID); err != nil {
		return nil, err
	}

	// Sending is an explicit end of typing.
	e.flushTyping(conv.ID, req.SenderID)
	return msg, nil
}

// StartConversation creates the thread lazily and sends the first message.
func (e *Engine) StartConversation(ctx context.Context, req StartRequest) (*models.Message, error) {
	if req.Body == "" && len(req.Attachments) == 0 {
		return nil, apperrors.Empty("message needs a body or an attachment")
	}
	blocked, err := e.blocks.IsBlocked(ctx, req.RecipientID, req.SenderID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, apperrors.Blocked("recipient is not accepting messages from you")
	}
	senderBlocked, err := e.blocks.IsBlocked(ctx, req.SenderID, req.RecipientID)
	if err != nil {
		return nil, err
	}
	if senderBlocked {
		return nil, apperrors.Closed("you have blocked this user")
	}

	conv, err := e.dir.EnsureBetween(ctx, req.SenderID, req.RecipientID, req.ListingID, req.ListingTitle)
	if err != nil {
		return nil, err
	}
	return e.SendMessage(ctx, SendRequest{
		ConversationID:  conv.ID,
		SenderID:        req.SenderID,
		Body:            req.Body,
		Attachments:     req.Attachments,
		ClientMessageID: req.ClientMessageID,
	})
}

// MarkRead flags everything not authored by the reader and zeroes the
// reader's unread counter. Safe to call any number of times.
func (e *Engine) MarkRead(ctx context.Context, conversationID, readerID string) error {
	conv, err := e.dir.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(readerID) {
		return apperrors.NotFound("conversation not found")
	}

	if _, err := e.log.MarkRead(ctx, conversationID, readerID); err != nil {
		return err
	}
	return e.dir.ResetUnread(ctx, conversationID, readerID)
}

// SetTyping routes through the per-(conversation,user) debouncer. Only the
// presence store is ever touched.
func (e *Engine) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	conv, err := e.dir.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return apperrors.NotFound("conversation not found")
	}

	if isTyping {
		e.typingFor(conversationID, userID).Input()
	} else {
		e.flushTyping(conversationID, userID)
	}
	return nil
}

// History returns the authoritative-ordered messages of one thread.
func (e *Engine) History(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	conv, err := e.dir.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperrors.NotFound("conversation not found")
	}
	return e.log.List(ctx, conversationID)
}

// Conversations returns the current directory snapshot for a user.
func (e *Engine) Conversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	return e.dir.ListFor(ctx, userID)
}

// UnreadTotal is the cross-conversation badge count.
func (e *Engine) UnreadTotal(ctx context.Context, userID string) (int64, error) {
	return e.dir.UnreadTotal(ctx, userID)
}

// DeleteConversation hard-deletes for both parties. Open handles on either
// side receive the tombstone and transition to Closed.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID, requesterID string) error {
	conv, err := e.dir.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(requesterID) {
		return apperrors.NotFound("conversation not found")
	}
	return e.dir.Delete(ctx, conversationID)
}

// ReportConversation records the report and removes the thread from the
// reporter's own view; the other side keeps theirs pending moderation.
func (e *Engine) ReportConversation(ctx context.Context, conversationID, reporterID, reason string) error {
	conv, err := e.dir.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(reporterID) {
		return apperrors.NotFound("conversation not found")
	}

	if err := e.blocks.RecordReport(ctx, conversationID, reporterID, reason); err != nil {
		return err
	}
	return e.dir.MarkReported(ctx, conversationID, reporterID)
}

// BlockUser records the relation and degrades every open thread between the
// pair: the blocker's views close, the blocked party's views go read-only.
func (e *Engine) BlockUser(ctx context.Context, blockerID, blockedID string) error {
	if err := e.blocks.RecordBlock(ctx, blockerID, blockedID); err != nil {
		return err
	}

	convs, err := e.dir.AllBetween(ctx, blockerID, blockedID)
	if err != nil {
		return err
	}
	for i := range convs {
		e.dir.PublishBlock(ctx, &convs[i], blockerID)
	}
	return nil
}

func (e *Engine) typingFor(conversationID, userID string) *typingDebouncer {
	key := conversationID + "|" + userID
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.typers[key]
	if !ok {
		d = newTypingDebouncer(e.presence.QuietWindow(), func(typing bool) {
			// The debouncer fires from timers; writes get their own context.
			if err := e.presence.SetTyping(context.Background(), conversationID, userID, typing); err != nil {
				logger.Conv(conversationID, "set_typing").Warn().Err(err).Msg("typing write failed")
			}
		})
		e.typers[key] = d
	}
	return d
}

// flushTyping writes the trailing false and evicts the debouncer; a later
// Input recreates it, so idle entries never accumulate.
func (e *Engine) flushTyping(conversationID, userID string) {
	key := conversationID + "|" + userID
	e.mu.Lock()
	d := e.typers[key]
	delete(e.typers, key)
	e.mu.Unlock()
	if d != nil {
		d.Flush()
	}
}

const previewLimit = 140

func previewText(msg *models.Message) string {
	if msg.Body == "" {
		return "[attachment]"
	}
	runes := []rune(msg.Body)
	if len(runes) <= previewLimit {
		return msg.Body
	}
	return string(runes[:previewLimit]) + "…"
}

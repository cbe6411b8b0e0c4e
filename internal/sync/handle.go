package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nestbook/chat-backend/internal/models"
	"github.com/nestbook/chat-backend/internal/store"
	"github.com/nestbook/chat-backend/pkg/logger"
)

// HandleState is the lifecycle of one open conversation view.
// Loading → Open → {Open, Blocked, Closed}. Closed and Failed are terminal.
type HandleState int32

const (
	HandleLoading HandleState = iota
	HandleOpen
	HandleBlocked
	HandleClosed
	HandleFailed
)

func (s HandleState) String() string {
	switch s {
	case HandleLoading:
		return "loading"
	case HandleOpen:
		return "open"
	case HandleBlocked:
		return "blocked"
	case HandleClosed:
		return "closed"
	case HandleFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s HandleState) terminal() bool {
	return s == HandleClosed || s == HandleFailed
}

// EventKind discriminates handle events pushed to the presentation layer.
type EventKind int

const (
	EventMessages EventKind = iota
	EventTyping
	EventState
)

// Event is one push to an observer. Messages events carry the full
// reconciled snapshot so renderers never have to patch state themselves.
type Event struct {
	Kind     EventKind
	Messages []models.Message
	Typing   bool
	State    HandleState
}

// errDropped signals that a live subscription channel closed underneath us
// and the session should resubscribe and replay.
var errDropped = errors.New("subscription dropped")

// ConversationHandle is the live, subscribed view of one open conversation
// for one observer (one tab). All updates arrive via Events; getters serve
// the current reconciled snapshot.
type ConversationHandle struct {
	engine         *Engine
	conversationID string
	userID         string
	otherID        string
	startBlocked   bool

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	state      HandleState
	msgs       *messageSet
	lastTyping store.TypingSignal

	events    chan Event
	closeOnce sync.Once

	unsubMu sync.Mutex
	unsubs  []func()
}

func newConversationHandle(e *Engine, conversationID, userID, otherID string, startBlocked bool) *ConversationHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConversationHandle{
		engine:         e,
		conversationID: conversationID,
		userID:         userID,
		otherID:        otherID,
		startBlocked:   startBlocked,
		ctx:            ctx,
		cancel:         cancel,
		state:          HandleLoading,
		msgs:           newMessageSet(),
		events:         make(chan Event, 64),
	}
}

func (h *ConversationHandle) ConversationID() string { return h.conversationID }

func (h *ConversationHandle) State() HandleState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Messages returns the reconciled snapshot in authoritative order.
func (h *ConversationHandle) Messages() []models.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.msgs.snapshot()
}

// OtherTyping evaluates the peer's signal against its expiry at read time;
// an expired signal and an explicit false are indistinguishable.
func (h *ConversationHandle) OtherTyping() bool {
	h.mu.RLock()
	sig := h.lastTyping
	h.mu.RUnlock()
	return sig.UserID == h.otherID && sig.Active(time.Now().UTC())
}

func (h *ConversationHandle) Events() <-chan Event { return h.events }

// Done closes when the handle stops updating for any reason.
func (h *ConversationHandle) Done() <-chan struct{} { return h.ctx.Done() }

// Close detaches from every subscription synchronously and clears the
// caller's outstanding typing signal. Runs on every exit path.
func (h *ConversationHandle) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.drainUnsubs()
		h.engine.flushTyping(h.conversationID, h.userID)
		h.transition(HandleClosed)
	})
}

func (h *ConversationHandle) run() {
	backoff := h.engine.minBackoff
	attempts := 0
	for {
		connected := false
		err := h.session(&connected)
		if h.ctx.Err() != nil || h.State().terminal() {
			h.Close()
			return
		}
		if err == nil {
			h.Close()
			return
		}
		if connected {
			attempts = 0
			backoff = h.engine.minBackoff
		}
		attempts++
		if attempts > h.engine.maxRetries {
			logger.Conv(h.conversationID, "resubscribe").Error().Err(err).Msg("retries exhausted")
			h.transition(HandleFailed)
			h.cancel()
			h.engine.flushTyping(h.conversationID, h.userID)
			return
		}

		logger.Conv(h.conversationID, "resubscribe").Warn().
			Err(err).Int("attempt", attempts).Dur("backoff", backoff).
			Msg("subscription dropped, resubscribing")
		select {
		case <-time.After(backoff):
		case <-h.ctx.Done():
			h.Close()
			return
		}
		backoff *= 2
		if backoff > h.engine.maxBackoff {
			backoff = h.engine.maxBackoff
		}
	}
}

// session subscribes, replays current state and pumps deltas until the
// context ends, the handle reaches a terminal state, or a channel drops.
// Re-running it converges to the same view: replay goes through the same
// reconciliation as live deltas.
func (h *ConversationHandle) session(connected *bool) error {
	msgCh, msgUnsub, err := h.engine.log.Subscribe(h.ctx, h.conversationID)
	if err != nil {
		return err
	}
	typCh, typUnsub, err := h.engine.presence.Subscribe(h.ctx, h.conversationID)
	if err != nil {
		msgUnsub()
		return err
	}
	dirCh, dirUnsub, err := h.engine.dir.SubscribeUser(h.ctx, h.userID)
	if err != nil {
		msgUnsub()
		typUnsub()
		return err
	}
	h.storeUnsubs(msgUnsub, typUnsub, dirUnsub)
	defer h.drainUnsubs()

	msgs, err := h.engine.log.List(h.ctx, h.conversationID)
	if err != nil {
		return err
	}
	*connected = true

	h.mu.Lock()
	changed := h.msgs.mergeAll(msgs)
	h.mu.Unlock()
	if h.State() == HandleLoading {
		if h.startBlocked {
			h.transition(HandleBlocked)
		} else {
			h.transition(HandleOpen)
		}
	}
	if changed {
		h.emitMessages()
	}

	for {
		select {
		case d, ok := <-msgCh:
			if !ok {
				return errDropped
			}
			h.applyMessageDelta(d)
		case sig, ok := <-typCh:
			if !ok {
				return errDropped
			}
			h.applyTyping(sig)
		case d, ok := <-dirCh:
			if !ok {
				return errDropped
			}
			if h.applyDirectoryDelta(d) {
				return nil
			}
		case <-h.ctx.Done():
			return nil
		}
	}
}

func (h *ConversationHandle) applyMessageDelta(d store.MessageDelta) {
	h.mu.Lock()
	var changed bool
	switch d.Kind {
	case store.DeltaMessageNew:
		if d.Message != nil {
			changed = h.msgs.upsert(*d.Message)
		}
	case store.DeltaMessagesRead:
		changed = h.msgs.markRead(d.ReaderID, d.At)
	}
	h.mu.Unlock()

	if changed {
		h.emitMessages()
	}
}

func (h *ConversationHandle) applyTyping(sig store.TypingSignal) {
	if sig.UserID == h.userID {
		return
	}

	h.mu.Lock()
	if sig.At.Before(h.lastTyping.At) {
		// Stale write from a slower path; the newer signal wins.
		h.mu.Unlock()
		return
	}
	h.lastTyping = sig
	h.mu.Unlock()

	now := time.Now().UTC()
	h.emit(Event{Kind: EventTyping, Typing: sig.Active(now)})

	if sig.Active(now) {
		// One shot at the expiry boundary so observers see the signal
		// resolve even if the typer goes silent without a final false.
		wrote := sig.At
		time.AfterFunc(time.Until(sig.ExpiresAt)+20*time.Millisecond, func() {
			if h.ctx.Err() != nil {
				return
			}
			h.mu.RLock()
			current := h.lastTyping
			h.mu.RUnlock()
			if current.At.Equal(wrote) && !current.Active(time.Now().UTC()) {
				h.emit(Event{Kind: EventTyping, Typing: false})
			}
		})
	}
}

// applyDirectoryDelta reacts to list-level facts about this conversation.
// Returns true when the handle reached a terminal state.
func (h *ConversationHandle) applyDirectoryDelta(d store.SummaryDelta) bool {
	if d.ConversationID != h.conversationID {
		return false
	}
	switch d.Kind {
	case store.DeltaSummaryDelete:
		h.transition(HandleClosed)
		h.cancel()
		return true
	case store.DeltaSummaryBlock:
		if d.BlockerID == h.otherID {
			h.transition(HandleBlocked)
		}
	}
	return false
}

func (h *ConversationHandle) transition(s HandleState) {
	h.mu.Lock()
	if h.state.terminal() || h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	h.mu.Unlock()
	h.emit(Event{Kind: EventState, State: s})
}

func (h *ConversationHandle) emitMessages() {
	h.emit(Event{Kind: EventMessages, Messages: h.Messages()})
}

// emit never blocks the pump; a slow observer misses intermediate snapshots
// but the getters always serve the latest state.
func (h *ConversationHandle) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
	}
}

func (h *ConversationHandle) storeUnsubs(fns ...func()) {
	h.unsubMu.Lock()
	h.unsubs = fns
	h.unsubMu.Unlock()
}

func (h *ConversationHandle) drainUnsubs() {
	h.unsubMu.Lock()
	fns := h.unsubs
	h.unsubs = nil
	h.unsubMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

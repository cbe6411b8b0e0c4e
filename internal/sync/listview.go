package sync

import (
	"context"
	"sync"
	"time"

	"github.com/nestbook/chat-backend/internal/models"
	"github.com/nestbook/chat-backend/pkg/logger"
)

// ListEvent is one push of the reconciled conversation list.
type ListEvent struct {
	Conversations []models.Conversation
}

// ListHandle is the live view of one user's conversation directory.
// Restartable: a resubscribe replays current state and then live deltas,
// converging through the same reconciliation as the first subscribe.
type ListHandle struct {
	engine *Engine
	userID string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	summaries *summarySet

	events    chan ListEvent
	closeOnce sync.Once

	unsubMu sync.Mutex
	unsub   func()
}

func newListHandle(e *Engine, userID string) *ListHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &ListHandle{
		engine:    e,
		userID:    userID,
		ctx:       ctx,
		cancel:    cancel,
		summaries: newSummarySet(),
		events:    make(chan ListEvent, 32),
	}
}

func (h *ListHandle) UserID() string { return h.userID }

// Snapshot returns the list ordered by last activity descending.
func (h *ListHandle) Snapshot() []models.Conversation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.summaries.snapshot()
}

// Filter applies a text query over the already-synced summaries without
// touching the store or the subscription.
func (h *ListHandle) Filter(query string) []models.Conversation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.summaries.filter(query)
}

func (h *ListHandle) Events() <-chan ListEvent { return h.events }

func (h *ListHandle) Done() <-chan struct{} { return h.ctx.Done() }

func (h *ListHandle) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.drainUnsub()
	})
}

func (h *ListHandle) run() {
	backoff := h.engine.minBackoff
	attempts := 0
	for {
		connected := false
		err := h.session(&connected)
		if h.ctx.Err() != nil {
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
			logger.Log.Error().Err(err).Str("user_id", h.userID).Msg("list resubscribe retries exhausted")
			h.Close()
			return
		}

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

func (h *ListHandle) session(connected *bool) error {
	dirCh, unsub, err := h.engine.dir.SubscribeUser(h.ctx, h.userID)
	if err != nil {
		return err
	}
	h.setUnsub(unsub)
	defer h.drainUnsub()

	convs, err := h.engine.dir.ListFor(h.ctx, h.userID)
	if err != nil {
		return err
	}
	*connected = true

	h.mu.Lock()
	changed := h.summaries.mergeAll(convs)
	h.mu.Unlock()
	if changed {
		h.emitSnapshot()
	}

	for {
		select {
		case d, ok := <-dirCh:
			if !ok {
				return errDropped
			}
			h.mu.Lock()
			applied := h.summaries.applySummary(d)
			h.mu.Unlock()
			if applied {
				h.emitSnapshot()
			}
		case <-h.ctx.Done():
			return nil
		}
	}
}

func (h *ListHandle) emitSnapshot() {
	ev := ListEvent{Conversations: h.Snapshot()}
	select {
	case h.events <- ev:
	default:
	}
}

func (h *ListHandle) setUnsub(fn func()) {
	h.unsubMu.Lock()
	h.unsub = fn
	h.unsubMu.Unlock()
}

func (h *ListHandle) drainUnsub() {
	h.unsubMu.Lock()
	fn := h.unsub
	h.unsub = nil
	h.unsubMu.Unlock()
	if fn != nil {
		fn()
	}
}

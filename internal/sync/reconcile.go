package sync

import (
	"sort"
	"strings"
	"time"

	"github.com/nestbook/chat-backend/internal/models"
	"github.com/nestbook/chat-backend/internal/store"
)

// messageSet is the reconciled view of one conversation's messages. Order is
// derived from the authoritative creation timestamps, never from delivery
// order: upsert by id, sort by (CreatedAt, ID), discard anything equal or
// older than what is already known. Any delivery permutation of the same
// delta set converges to the same snapshot.
type messageSet struct {
	byID  map[string]*models.Message
	order []*models.Message
}

func newMessageSet() *messageSet {
	return &messageSet{byID: make(map[string]*models.Message)}
}

// upsert merges one message record and reports whether the view changed.
// Messages are immutable except the read flag, which may only be promoted,
// so a record for a known id with an equal-or-older timestamp contributes at
// most that promotion.
func (s *messageSet) upsert(m models.Message) bool {
	existing, known := s.byID[m.ID]
	if known && !existing.CreatedAt.Before(m.CreatedAt) {
		if m.IsRead && !existing.IsRead {
			existing.IsRead = true
			existing.ReadAt = m.ReadAt
			return true
		}
		return false
	}

	cp := m
	s.byID[m.ID] = &cp
	if known {
		for i, old := range s.order {
			if old.ID == m.ID {
				s.order[i] = &cp
				break
			}
		}
	} else {
		s.order = append(s.order, &cp)
	}
	s.resort()
	return true
}

// markRead promotes the read flag on every message not authored by readerID.
// Idempotent by construction.
func (s *messageSet) markRead(readerID string, at time.Time) bool {
	changed := false
	for _, m := range s.order {
		if m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			t := at
			m.ReadAt = &t
			changed = true
		}
	}
	return changed
}

// mergeAll folds a full replay (initial load or resubscribe) into the set.
func (s *messageSet) mergeAll(msgs []models.Message) bool {
	changed := false
	for _, m := range msgs {
		if s.upsert(m) {
			changed = true
		}
	}
	return changed
}

func (s *messageSet) snapshot() []models.Message {
	out := make([]models.Message, len(s.order))
	for i, m := range s.order {
		out[i] = *m
	}
	return out
}

func (s *messageSet) len() int { return len(s.order) }

func (s *messageSet) resort() {
	sort.SliceStable(s.order, func(i, j int) bool {
		return s.order[i].Before(s.order[j])
	})
}

// summarySet is the reconciled view of one user's conversation list, ordered
// by last activity descending. Tombstones are remembered so a late upsert
// for a deleted conversation cannot resurrect it.
type summarySet struct {
	byID    map[string]*models.Conversation
	seenAt  map[string]time.Time
	deleted map[string]struct{}
	order   []*models.Conversation
}

func newSummarySet() *summarySet {
	return &summarySet{
		byID:    make(map[string]*models.Conversation),
		seenAt:  make(map[string]time.Time),
		deleted: make(map[string]struct{}),
	}
}

// upsert merges one summary carrying the authoritative timestamp at.
func (s *summarySet) upsert(c models.Conversation, at time.Time) bool {
	if _, gone := s.deleted[c.ID]; gone {
		return false
	}
	if prev, known := s.seenAt[c.ID]; known && !prev.Before(at) {
		return false
	}

	cp := c
	_, known := s.byID[c.ID]
	s.byID[c.ID] = &cp
	s.seenAt[c.ID] = at
	if known {
		for i, old := range s.order {
			if old.ID == c.ID {
				s.order[i] = &cp
				break
			}
		}
	} else {
		s.order = append(s.order, &cp)
	}
	s.resort()
	return true
}

func (s *summarySet) remove(id string) bool {
	s.deleted[id] = struct{}{}
	if _, known := s.byID[id]; !known {
		return false
	}
	delete(s.byID, id)
	delete(s.seenAt, id)
	for i, c := range s.order {
		if c.ID == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *summarySet) mergeAll(convs []models.Conversation) bool {
	changed := false
	for _, c := range convs {
		if s.upsert(c, c.UpdatedAt) {
			changed = true
		}
	}
	return changed
}

func (s *summarySet) snapshot() []models.Conversation {
	out := make([]models.Conversation, len(s.order))
	for i, c := range s.order {
		out[i] = *c
	}
	return out
}

// filter applies the query-time text filter over already-synced summaries.
// No store round-trip, no re-subscription.
func (s *summarySet) filter(query string) []models.Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return s.snapshot()
	}
	out := make([]models.Conversation, 0, len(s.order))
	for _, c := range s.order {
		if strings.Contains(strings.ToLower(c.ListingTitle), q) ||
			strings.Contains(strings.ToLower(c.LastMessageText), q) {
			out = append(out, *c)
		}
	}
	return out
}

func (s *summarySet) resort() {
	sort.SliceStable(s.order, func(i, j int) bool {
		ai, aj := s.order[i].ActivityAt(), s.order[j].ActivityAt()
		if ai.Equal(aj) {
			return s.order[i].ID < s.order[j].ID
		}
		return ai.After(aj)
	})
}

// applySummary routes one directory delta into the set.
func (s *summarySet) applySummary(d store.SummaryDelta) bool {
	switch d.Kind {
	case store.DeltaSummaryUpsert:
		if d.Conversation == nil {
			return false
		}
		return s.upsert(*d.Conversation, d.At)
	case store.DeltaSummaryDelete:
		return s.remove(d.ConversationID)
	default:
		return false
	}
}

package syncer

import (
	"sort"
	"sync"
	"time"

	"github.com/habitproof/chatsync/internal/models"
)

// Preview is the display summary of a conversation's latest message.
type Preview struct {
	SenderName string
	Summary    string
}

// Entry is one row of the synchronized conversation list.
type Entry struct {
	Conversation models.Conversation
	LastActivity time.Time
	Preview      *Preview
	Unread       int
}

// ConversationList owns the ordered, deduplicated list of conversations for
// one user. It is safe for concurrent use: the sync loop mutates it while the
// gateway reads snapshots.
//
// Ordering invariant: entries are sorted by LastActivity descending. Entries
// with equal timestamps keep their relative order, so simultaneous events do
// not visibly reshuffle the list. Unread changes never reorder anything.
type ConversationList struct {
	mu      sync.RWMutex
	entries []*Entry
	index   map[string]*Entry
}

func NewConversationList() *ConversationList {
	return &ConversationList{
		index: make(map[string]*Entry),
	}
}

// EntryFromOverview derives the client-side list entry from a storage row.
// Last activity falls back to the conversation creation time when the
// conversation has no messages yet.
func EntryFromOverview(o *models.ConversationOverview) Entry {
	entry := Entry{
		Conversation: o.Conversation,
		LastActivity: o.CreatedAt,
		Unread:       o.Unread,
	}

	if o.LastSentAt != nil {
		entry.LastActivity = *o.LastSentAt
		entry.Preview = overviewPreview(o)
	}

	return entry
}

func overviewPreview(o *models.ConversationOverview) *Preview {
	if o.LastKind == nil {
		return nil
	}

	name := ""
	if o.LastSenderName != nil {
		name = *o.LastSenderName
	} else if o.LastSender != nil {
		name = *o.LastSender
	}

	summary := ""
	switch models.MessageKind(*o.LastKind) {
	case models.KindText:
		if o.LastText != nil {
			summary = *o.LastText
		}
	case models.KindProof:
		summary = "sent a proof"
	}

	return &Preview{SenderName: name, Summary: summary}
}

// Add inserts a new entry. Adding an already known conversation replaces its
// state, which keeps membership-added redelivery harmless.
func (l *ConversationList) Add(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.index[entry.Conversation.ConversationID]; ok {
		*existing = entry
	} else {
		e := entry
		l.entries = append(l.entries, &e)
		l.index[entry.Conversation.ConversationID] = &e
	}
	l.resort()
}

// Remove deletes the entry for a conversation. Unknown ids are a no-op.
func (l *ConversationList) Remove(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[conversationID]; !ok {
		return false
	}
	delete(l.index, conversationID)

	for i, e := range l.entries {
		if e.Conversation.ConversationID == conversationID {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			break
		}
	}
	return true
}

// UpsertActivity advances a conversation's last-activity timestamp and
// preview. A timestamp older than or equal to the stored one is a no-op, which
// makes duplicate and out-of-order delivery harmless. A nil preview updates
// activity only (best-effort partial update when the sender can't be
// resolved). Returns whether the entry advanced.
func (l *ConversationList) UpsertActivity(conversationID string, at time.Time, preview *Preview) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.index[conversationID]
	if !ok {
		return false
	}

	if !at.After(entry.LastActivity) {
		return false
	}

	entry.LastActivity = at
	if preview != nil {
		entry.Preview = preview
	}
	l.resort()
	return true
}

// IncrementUnread adds delta to a conversation's unread count, clamped at
// zero. It never reorders the list.
func (l *ConversationList) IncrementUnread(conversationID string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.index[conversationID]
	if !ok {
		return
	}

	entry.Unread += delta
	if entry.Unread < 0 {
		entry.Unread = 0
	}
}

// ResetUnread zeroes a conversation's unread count without reordering.
// Returns whether the conversation is known.
func (l *ConversationList) ResetUnread(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.index[conversationID]
	if !ok {
		return false
	}

	entry.Unread = 0
	return true
}

// Replace swaps the whole list state, used for reconciliation after the push
// stream reconnects.
func (l *ConversationList) Replace(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make([]*Entry, 0, len(entries))
	l.index = make(map[string]*Entry, len(entries))
	for i := range entries {
		e := entries[i]
		l.entries = append(l.entries, &e)
		l.index[e.Conversation.ConversationID] = &e
	}
	l.resort()
}

// Snapshot returns a copy of the current list in display order.
func (l *ConversationList) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

// IDs returns the conversation ids currently in the list.
func (l *ConversationList) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		ids = append(ids, e.Conversation.ConversationID)
	}
	return ids
}

func (l *ConversationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *ConversationList) resort() {
	sort.SliceStable(l.entries, func(i, j int) bool {
		return l.entries[i].LastActivity.After(l.entries[j].LastActivity)
	})
}

package syncer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// UnreadTracker owns the optimistic mark-read lifecycle: the local count is
// zeroed immediately, the read position is persisted in the background.
// Persistence failure does not roll the local reset back and is not surfaced;
// the watermark heals on the next successful mark-read.
type UnreadTracker struct {
	log    *logrus.Logger
	store  Store
	list   *ConversationList
	userID string

	timeout time.Duration
	notify  func()
	done    <-chan struct{}
}

func NewUnreadTracker(userID string, store Store, list *ConversationList, notify func(), done <-chan struct{}, logger *logrus.Logger) *UnreadTracker {
	return &UnreadTracker{
		log:     logger,
		store:   store,
		list:    list,
		userID:  userID,
		timeout: defaultFetchTimeout,
		notify:  notify,
		done:    done,
	}
}

// MarkRead zeroes the unread count for a conversation the user just viewed
// and persists the current time as the membership's read watermark. Unknown
// conversations are ignored.
func (t *UnreadTracker) MarkRead(conversationID string) {
	if !t.list.ResetUnread(conversationID) {
		return
	}
	t.notify()

	go t.persist(conversationID, time.Now().UTC())
}

func (t *UnreadTracker) persist(conversationID string, at time.Time) {
	select {
	case <-t.done:
		// The owning screen is gone; nobody observes this list anymore.
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	if err := t.store.UpdateLastRead(ctx, t.userID, conversationID, at); err != nil {
		markReadFailures.Inc()
		t.log.WithError(err).
			WithField("conversation_id", conversationID).
			WithField("user_id", t.userID).
			Warning("can't persist read position")
	}
}

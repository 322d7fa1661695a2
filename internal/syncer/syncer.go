package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/habitproof/chatsync/internal/models"
	"github.com/habitproof/chatsync/internal/realtime"
	storage "github.com/habitproof/chatsync/internal/storages"
	"github.com/sirupsen/logrus"
)

const defaultFetchTimeout = 5 * time.Second

var ErrInitialLoadFailed = errors.New("initial conversation list load failed")

// Store is the slice of the authoritative store the synchronizer needs.
// *storage.ConversationsStorage satisfies it.
type Store interface {
	ListForUser(ctx context.Context, userId string) ([]models.ConversationOverview, error)
	GetOverview(ctx context.Context, conversationId string, userId string) (*models.ConversationOverview, error)
	GetDisplayName(ctx context.Context, userId string) (string, error)
	UpdateLastRead(ctx context.Context, userId string, conversationId string, at time.Time) error
}

// Broker is the push-transport registry the synchronizer attaches to.
type Broker interface {
	SubscribeConversation(conversationID string, sink chan<- models.Update) *realtime.Subscription
	SubscribeUser(userID string, sink chan<- models.Update) *realtime.Subscription
	SubscribeResync(sink chan<- struct{}) *realtime.Subscription
}

// Syncer keeps one user's conversation list consistent under interleaved
// pushed updates, stream reconnects and local mark-read actions. All list
// mutation happens on the Run goroutine; the attach/detach registry of
// per-conversation subscriptions is owned by that goroutine too.
type Syncer struct {
	log    *logrus.Logger
	store  Store
	broker Broker
	userID string

	fetchTimeout time.Duration

	list    *ConversationList
	tracker *UnreadTracker
	names   map[string]string

	inbox   chan models.Update
	resync  chan struct{}
	changed chan struct{}
	done    chan struct{}

	subs      map[string]*realtime.Subscription
	memberSub *realtime.Subscription
	resyncSub *realtime.Subscription
}

func NewSyncer(userID string, store Store, broker Broker, logger *logrus.Logger) *Syncer {
	s := &Syncer{
		log:          logger,
		store:        store,
		broker:       broker,
		userID:       userID,
		fetchTimeout: defaultFetchTimeout,
		list:         NewConversationList(),
		names:        make(map[string]string),
		inbox:        make(chan models.Update, 64),
		resync:       make(chan struct{}, 1),
		changed:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		subs:         make(map[string]*realtime.Subscription),
	}
	s.tracker = NewUnreadTracker(userID, store, s.list, s.notifyChanged, s.done, logger)
	return s
}

// List returns a point-in-time copy of the ordered conversation list.
func (s *Syncer) List() []Entry {
	return s.list.Snapshot()
}

// Changed signals (coalesced) that the list content may have changed.
func (s *Syncer) Changed() <-chan struct{} {
	return s.changed
}

// MarkRead optimistically zeroes the unread count of a conversation and
// persists the read position in the background.
func (s *Syncer) MarkRead(conversationID string) {
	s.tracker.MarkRead(conversationID)
}

// Run performs the initial load, attaches subscriptions and processes events
// until ctx is cancelled. Every subscription is released on every exit path.
func (s *Syncer) Run(ctx context.Context) error {
	defer s.teardown()

	activeSyncers.Inc()
	defer activeSyncers.Dec()

	s.resyncSub = s.broker.SubscribeResync(s.resync)
	s.memberSub = s.broker.SubscribeUser(s.userID, s.inbox)

	if err := s.reload(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrInitialLoadFailed, err)
	}
	s.notifyChanged()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.resync:
			resyncsTotal.Inc()
			if err := s.reload(ctx); err != nil {
				// Keep serving the last good list; the next reconnect
				// triggers another reconciliation attempt.
				s.log.WithError(err).
					WithField("user_id", s.userID).
					Warning("list reconciliation failed")
				continue
			}
			s.notifyChanged()
		case update := <-s.inbox:
			if s.handle(ctx, &update) {
				updatesApplied.Inc()
				s.notifyChanged()
			}
		}
	}
}

// reload fetches the authoritative list and replaces local state, then
// reconciles the per-conversation subscription registry against it.
func (s *Syncer) reload(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	overviews, err := s.store.ListForUser(fetchCtx, s.userID)
	if err != nil {
		return err
	}

	entries := make([]Entry, 0, len(overviews))
	known := make(map[string]bool, len(overviews))
	for i := range overviews {
		entries = append(entries, EntryFromOverview(&overviews[i]))
		known[overviews[i].ConversationID] = true
	}
	s.list.Replace(entries)

	for id, sub := range s.subs {
		if !known[id] {
			sub.Cancel()
			delete(s.subs, id)
		}
	}
	for id := range known {
		s.attach(id)
	}

	return nil
}

func (s *Syncer) handle(ctx context.Context, update *models.Update) bool {
	switch update.Kind {
	case models.UpdateMessageSent:
		return s.handleMessage(ctx, update.MessageSent)
	case models.UpdateMemberAdded:
		return s.handleMemberAdded(ctx, update.MemberAdded)
	case models.UpdateMemberRemoved:
		return s.handleMemberRemoved(update.MemberRemoved)
	default:
		s.log.WithField("kind", update.Kind).Warning("unexpected update kind")
		return false
	}
}

func (s *Syncer) handleMessage(ctx context.Context, msg *models.MessageSent) bool {
	preview := s.resolvePreview(ctx, msg)

	advanced := s.list.UpsertActivity(msg.ConversationID, msg.SentAt, preview)

	// Self-sent messages update activity but never the own unread count.
	// Tying the increment to an actual activity advance keeps duplicate
	// redelivery from counting twice.
	if advanced && msg.FromUser != s.userID {
		s.list.IncrementUnread(msg.ConversationID, 1)
	}

	return advanced
}

func (s *Syncer) handleMemberAdded(ctx context.Context, member *models.MemberAdded) bool {
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	overview, err := s.store.GetOverview(fetchCtx, member.ConversationID, s.userID)
	if err != nil {
		// The entry shows up on the next reconciliation instead.
		s.log.WithError(err).
			WithField("conversation_id", member.ConversationID).
			Warning("can't fetch added conversation")
		return false
	}

	s.list.Add(EntryFromOverview(overview))
	s.attach(member.ConversationID)
	return true
}

func (s *Syncer) handleMemberRemoved(member *models.MemberRemoved) bool {
	removed := s.list.Remove(member.ConversationID)
	s.detach(member.ConversationID)
	return removed
}

// resolvePreview builds the display preview for a pushed message, looking the
// sender's display name up through a small cache. A failed lookup degrades to
// an activity-only update rather than dropping the event.
func (s *Syncer) resolvePreview(ctx context.Context, msg *models.MessageSent) *Preview {
	name, ok := s.names[msg.FromUser]
	if !ok {
		fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()

		var err error
		name, err = s.store.GetDisplayName(fetchCtx, msg.FromUser)
		if err != nil {
			if !errors.Is(err, storage.ErrProfileNotFound) {
				s.log.WithError(err).
					WithField("from_user", msg.FromUser).
					Warning("can't resolve sender display name")
			}
			return nil
		}
		s.names[msg.FromUser] = name
	}

	summary := msg.Text
	if msg.Kind == models.KindProof {
		summary = "sent a proof"
	}

	return &Preview{SenderName: name, Summary: summary}
}

func (s *Syncer) attach(conversationID string) {
	if _, ok := s.subs[conversationID]; ok {
		return
	}
	s.subs[conversationID] = s.broker.SubscribeConversation(conversationID, s.inbox)
}

func (s *Syncer) detach(conversationID string) {
	if sub, ok := s.subs[conversationID]; ok {
		sub.Cancel()
		delete(s.subs, conversationID)
	}
}

func (s *Syncer) teardown() {
	for id, sub := range s.subs {
		sub.Cancel()
		delete(s.subs, id)
	}
	s.memberSub.Cancel()
	s.resyncSub.Cancel()
	close(s.done)
}

func (s *Syncer) notifyChanged() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

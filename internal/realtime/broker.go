package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/habitproof/chatsync/internal/models"
	"github.com/sirupsen/logrus"
)

var ErrInconsistentUpdate = errors.New("update envelope kind does not match payload")

// Broker demultiplexes the single updates stream onto per-conversation and
// per-user subscriptions. Subscribers hand in their own sink channel, so one
// consumer can funnel any number of subscriptions into a single inbox.
//
// Delivery is non-blocking: a full sink drops the update rather than stalling
// the whole stream (the consumer is expected to reconcile from the store on
// gaps anyway).
type Broker struct {
	log *logrus.Logger

	mu            sync.RWMutex
	nextID        uint64
	conversations map[string]map[uint64]*subscriber
	users         map[string]map[uint64]*subscriber
	resyncs       map[uint64]chan<- struct{}
}

type subscriber struct {
	sink chan<- models.Update
}

// Subscription is a cancellable handle into the broker registry. Cancel is
// idempotent; after it returns no further deliveries happen on the sink.
type Subscription struct {
	cancel func()
	once   sync.Once
}

func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

func NewBroker(logger *logrus.Logger) *Broker {
	return &Broker{
		log:           logger,
		conversations: make(map[string]map[uint64]*subscriber),
		users:         make(map[string]map[uint64]*subscriber),
		resyncs:       make(map[uint64]chan<- struct{}),
	}
}

// SubscribeConversation routes message updates for one conversation into sink.
func (b *Broker) SubscribeConversation(conversationID string, sink chan<- models.Update) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if b.conversations[conversationID] == nil {
		b.conversations[conversationID] = make(map[uint64]*subscriber)
	}
	b.conversations[conversationID][id] = &subscriber{sink: sink}

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.conversations[conversationID], id)
		if len(b.conversations[conversationID]) == 0 {
			delete(b.conversations, conversationID)
		}
	}}
}

// SubscribeUser routes membership updates affecting one user into sink.
func (b *Broker) SubscribeUser(userID string, sink chan<- models.Update) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if b.users[userID] == nil {
		b.users[userID] = make(map[uint64]*subscriber)
	}
	b.users[userID][id] = &subscriber{sink: sink}

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.users[userID], id)
		if len(b.users[userID]) == 0 {
			delete(b.users, userID)
		}
	}}
}

// SubscribeResync fans stream re-establishment signals out to sink. The sink
// should be buffered with capacity 1; extra signals coalesce.
func (b *Broker) SubscribeResync(sink chan<- struct{}) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.resyncs[id] = sink

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.resyncs, id)
	}}
}

// Run pumps the feed channels until ctx is cancelled or updates is closed.
func (b *Broker) Run(ctx context.Context, updates <-chan models.Update, resubscribed <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-resubscribed:
			b.notifyResync()
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.route(&update)
		}
	}
}

func (b *Broker) route(update *models.Update) {
	switch update.Kind {
	case models.UpdateMessageSent:
		b.deliverConversation(update.MessageSent.ConversationID, update)
	case models.UpdateMemberAdded:
		b.deliverUser(update.MemberAdded.UserID, update)
	case models.UpdateMemberRemoved:
		b.deliverUser(update.MemberRemoved.UserID, update)
	default:
		b.log.WithField("kind", update.Kind).Warning("unroutable update kind")
	}
}

func (b *Broker) deliverConversation(conversationID string, update *models.Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.conversations[conversationID] {
		b.send(sub, update)
	}
}

func (b *Broker) deliverUser(userID string, update *models.Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.users[userID] {
		b.send(sub, update)
	}
}

func (b *Broker) send(sub *subscriber, update *models.Update) {
	select {
	case sub.sink <- *update:
	default:
		// Drop rather than block the whole stream.
		brokerDropped.Inc()
		b.log.WithField("kind", update.Kind).Warning("subscriber sink full, update dropped")
	}
}

func (b *Broker) notifyResync() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sink := range b.resyncs {
		select {
		case sink <- struct{}{}:
		default:
		}
	}
}

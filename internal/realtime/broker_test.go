package realtime

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/habitproof/chatsync/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testConvA = "694a909e-bec7-4dbe-bf38-935a99d848cc"
	testConvB = "256e3354-8263-4913-8bdd-345bd04d962e"
	testUser  = "74cccd17-9c56-490b-b721-88c027976863"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func conversationUpdate(conv string) models.Update {
	return models.Update{
		Kind: models.UpdateMessageSent,
		MessageSent: &models.MessageSent{
			MessageID:      "01HV0000000000000000000001",
			FromUser:       testUser,
			ConversationID: conv,
			Kind:           models.KindText,
			Text:           "hi",
			SentAt:         time.Now().UTC(),
		},
	}
}

func memberUpdate(kind models.UpdateKind, conv string, user string) models.Update {
	u := models.Update{Kind: kind}
	switch kind {
	case models.UpdateMemberAdded:
		u.MemberAdded = &models.MemberAdded{ConversationID: conv, UserID: user}
	case models.UpdateMemberRemoved:
		u.MemberRemoved = &models.MemberRemoved{ConversationID: conv, UserID: user}
	}
	return u
}

func runBroker(t *testing.T, b *Broker) (chan models.Update, chan struct{}) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	updates := make(chan models.Update, 16)
	resub := make(chan struct{}, 4)
	go b.Run(ctx, updates, resub)

	return updates, resub
}

func receive(t *testing.T, sink <-chan models.Update) models.Update {
	t.Helper()
	select {
	case u := <-sink:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("expected an update on the sink")
		return models.Update{}
	}
}

func expectSilence(t *testing.T, sink <-chan models.Update) {
	t.Helper()
	select {
	case u := <-sink:
		t.Fatalf("unexpected update on the sink: %s", u.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroker_RoutesMessagesByConversation(t *testing.T) {
	b := NewBroker(testLogger())
	updates, _ := runBroker(t, b)

	sinkA := make(chan models.Update, 4)
	sinkB := make(chan models.Update, 4)
	b.SubscribeConversation(testConvA, sinkA)
	b.SubscribeConversation(testConvB, sinkB)

	updates <- conversationUpdate(testConvA)

	got := receive(t, sinkA)
	require.NotNil(t, got.MessageSent)
	assert.Equal(t, testConvA, got.MessageSent.ConversationID)
	expectSilence(t, sinkB)
}

func TestBroker_RoutesMembershipByUser(t *testing.T) {
	b := NewBroker(testLogger())
	updates, _ := runBroker(t, b)

	mine := make(chan models.Update, 4)
	theirs := make(chan models.Update, 4)
	b.SubscribeUser(testUser, mine)
	b.SubscribeUser("67f85047-09d0-42a2-a5ee-9ce8db28cb07", theirs)

	updates <- memberUpdate(models.UpdateMemberAdded, testConvA, testUser)
	updates <- memberUpdate(models.UpdateMemberRemoved, testConvB, testUser)

	added := receive(t, mine)
	assert.Equal(t, models.UpdateMemberAdded, added.Kind)
	removed := receive(t, mine)
	assert.Equal(t, models.UpdateMemberRemoved, removed.Kind)
	expectSilence(t, theirs)
}

func TestBroker_SharedSinkReceivesAllSubscriptions(t *testing.T) {
	b := NewBroker(testLogger())
	updates, _ := runBroker(t, b)

	inbox := make(chan models.Update, 8)
	b.SubscribeConversation(testConvA, inbox)
	b.SubscribeConversation(testConvB, inbox)
	b.SubscribeUser(testUser, inbox)

	updates <- conversationUpdate(testConvA)
	updates <- conversationUpdate(testConvB)
	updates <- memberUpdate(models.UpdateMemberRemoved, testConvA, testUser)

	kinds := []models.UpdateKind{
		receive(t, inbox).Kind,
		receive(t, inbox).Kind,
		receive(t, inbox).Kind,
	}
	assert.Equal(t, []models.UpdateKind{
		models.UpdateMessageSent,
		models.UpdateMessageSent,
		models.UpdateMemberRemoved,
	}, kinds)
}

func TestBroker_CancelStopsDelivery(t *testing.T) {
	b := NewBroker(testLogger())
	updates, _ := runBroker(t, b)

	sink := make(chan models.Update, 4)
	sub := b.SubscribeConversation(testConvA, sink)

	updates <- conversationUpdate(testConvA)
	receive(t, sink)

	sub.Cancel()
	sub.Cancel() // idempotent

	updates <- conversationUpdate(testConvA)
	expectSilence(t, sink)
}

func TestBroker_NilSubscriptionCancelIsSafe(t *testing.T) {
	var sub *Subscription
	assert.NotPanics(t, func() { sub.Cancel() })
}

func TestBroker_FullSinkDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker(testLogger())
	updates, _ := runBroker(t, b)

	full := make(chan models.Update) // no capacity, nobody reading
	healthy := make(chan models.Update, 4)
	b.SubscribeConversation(testConvA, full)
	b.SubscribeConversation(testConvA, healthy)

	updates <- conversationUpdate(testConvA)
	updates <- conversationUpdate(testConvA)

	receive(t, healthy)
	receive(t, healthy)
}

func TestBroker_ResyncFansOutAndCoalesces(t *testing.T) {
	b := NewBroker(testLogger())
	_, resub := runBroker(t, b)

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	b.SubscribeResync(first)
	sub := b.SubscribeResync(second)

	resub <- struct{}{}

	for _, sink := range []chan struct{}{first, second} {
		select {
		case <-sink:
		case <-time.After(2 * time.Second):
			t.Fatal("resync signal should reach every subscriber")
		}
	}

	sub.Cancel()
	resub <- struct{}{}

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("remaining subscriber should still be signalled")
	}
	select {
	case <-second:
		t.Fatal("cancelled subscriber should not be signalled")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroker_ClosedUpdatesStopsRun(t *testing.T) {
	b := NewBroker(testLogger())

	updates := make(chan models.Update)
	resub := make(chan struct{})
	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), updates, resub)
		close(done)
	}()

	close(updates)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run should return when the updates channel closes")
	}
}

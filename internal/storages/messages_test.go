package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/habitproof/chatsync/internal/models"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type MessagesStorageTestSuite struct {
	PostgresTestSuite
}

func (s *MessagesStorageTestSuite) TearDownTest() {
	s.TruncateAll()
}

func TestMessagesStorageTestSuite(t *testing.T) {
	suite.Run(t, &MessagesStorageTestSuite{})
}

func (s *MessagesStorageTestSuite) setupConversation(ctx context.Context) {
	convs := NewConversationsStorage(s.db)
	err := convs.CreateConversation(ctx, models.ConversationCreate{ConversationID: convId, Name: "x"})
	require.NoError(s.T(), err, "should correctly create conversation")
	err = convs.AddMembers(ctx, convId, []string{userId})
	require.NoError(s.T(), err, "should correctly add member")
}

func (s *MessagesStorageTestSuite) Test_PutMessage() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.setupConversation(ctx)
	store := NewMessagesStorage(s.db)

	expectedMsg := models.Message{
		MessageID:      ulid.Make().String(),
		ConversationID: convId,
		FromUser:       userId,
		SentAt:         time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Kind:           models.KindText,
		Text:           "Hello, world!",
	}
	err := store.PutMessage(ctx, &expectedMsg)
	assert.NoError(s.T(), err, "should correctly put message")

	msgs, err := store.GetMessagesById(ctx, []string{expectedMsg.MessageID})
	assert.NoError(s.T(), err, "should return the stored message")
	require.Len(s.T(), msgs, 1)
	assert.Equal(s.T(), expectedMsg.Text, msgs[0].Text)
	assert.True(s.T(), msgs[0].SentAt.Equal(expectedMsg.SentAt))
}

func (s *MessagesStorageTestSuite) Test_PutMessage_CorrectErrorIfDuplicate() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.setupConversation(ctx)
	store := NewMessagesStorage(s.db)

	msg := models.Message{
		MessageID:      ulid.Make().String(),
		ConversationID: convId,
		FromUser:       userId,
		SentAt:         time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Kind:           models.KindText,
		Text:           "once",
	}
	require.NoError(s.T(), store.PutMessage(ctx, &msg))
	assert.ErrorIs(s.T(), store.PutMessage(ctx, &msg), ErrMessageAlreadyExists)
}

func (s *MessagesStorageTestSuite) Test_PutMessage_CorrectErrorIfConversationDoesNotExist() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMessagesStorage(s.db)
	err := store.PutMessage(ctx, &models.Message{
		MessageID:      ulid.Make().String(),
		ConversationID: convId,
		FromUser:       userId,
		SentAt:         time.Now().UTC(),
		Kind:           models.KindText,
		Text:           "nowhere",
	})
	assert.ErrorIs(s.T(), err, ErrConversationNotFound)
}

func (s *MessagesStorageTestSuite) Test_SelectMessages_Windows() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.setupConversation(ctx)
	store := NewMessagesStorage(s.db)

	begin := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	sentAt := begin

	inserted := make([]models.Message, 0, 10)
	for i := 0; i < 10; i++ {
		msg := models.Message{
			MessageID:      ulid.Make().String(),
			ConversationID: convId,
			FromUser:       userId,
			SentAt:         sentAt,
			Kind:           models.KindText,
			Text:           fmt.Sprintf("Hello, world! (%d)", i),
		}
		inserted = append(inserted, msg)
		sentAt = sentAt.Add(time.Hour)
		err := store.PutMessage(ctx, &msg)
		require.NoError(s.T(), err, "should correctly put message")
	}

	actual, err := store.GetMessagesSince(ctx, convId, begin, 3)
	assert.NoError(s.T(), err, "should not return any error")
	require.Len(s.T(), actual, 3)
	for i := range actual {
		assert.Equal(s.T(), inserted[i].MessageID, actual[i].MessageID, "query should return the first three messages in order")
	}

	actual, err = store.GetMessagesBefore(ctx, convId, sentAt, 5)
	assert.NoError(s.T(), err, "should not return any error")
	require.Len(s.T(), actual, 5)
	for i := range actual {
		assert.Equal(s.T(), inserted[9-i].MessageID, actual[i].MessageID, "query should return the last five messages, newest first")
	}
}

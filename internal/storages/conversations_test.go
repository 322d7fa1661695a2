package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/habitproof/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ConversationsStorageTestSuite struct {
	PostgresTestSuite
}

func (s *ConversationsStorageTestSuite) TearDownTest() {
	s.TruncateAll()
}

func TestConversationsStorageTestSuite(t *testing.T) {
	suite.Run(t, &ConversationsStorageTestSuite{})
}

const (
	convId  = "694a909e-bec7-4dbe-bf38-935a99d848cc"
	userId  = "74cccd17-9c56-490b-b721-88c027976863"
	otherId = "67f85047-09d0-42a2-a5ee-9ce8db28cb07"
)

func (s *ConversationsStorageTestSuite) createConversation(ctx context.Context, store *ConversationsStorage, id string, members ...string) {
	err := store.CreateConversation(ctx, models.ConversationCreate{
		ConversationID: id,
		Name:           "morning runs",
	})
	require.NoError(s.T(), err, "should correctly create conversation")

	if len(members) > 0 {
		err = store.AddMembers(ctx, id, members)
		require.NoError(s.T(), err, "should correctly add members")
	}
}

func (s *ConversationsStorageTestSuite) Test_CreateConversation() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	s.createConversation(ctx, store, convId)

	row := s.db.QueryRow("SELECT count(*) FROM conversations WHERE conversation_id=$1::uuid", convId)
	count := 0
	err := row.Scan(&count)
	assert.NoError(s.T(), err, "should be scanned correctly")
	assert.Equal(s.T(), 1, count, "should be exactly 1 row")
}

func (s *ConversationsStorageTestSuite) Test_CreateConversation_CorrectErrorIfExists() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	s.createConversation(ctx, store, convId)

	err := store.CreateConversation(ctx, models.ConversationCreate{ConversationID: convId, Name: "dup"})
	assert.ErrorIs(s.T(), err, ErrConversationAlreadyExists)
}

func (s *ConversationsStorageTestSuite) Test_AddMembers_Atomic() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	registry := NewRegistry(s.db, nil, nil)

	err := registry.Atomic(ctx, func(r Registry) error {
		store := r.GetConversationsStore()
		err := store.CreateConversation(ctx, models.ConversationCreate{ConversationID: convId, Name: "x"})
		assert.NoError(s.T(), err, "should correctly create conversation")

		err = store.AddMembers(ctx, convId, []string{userId})
		assert.NoError(s.T(), err, "should correctly add member")
		return errors.New("bang")
	})

	assert.Error(s.T(), err, "should return error")

	row := s.db.QueryRow("SELECT count(*) FROM conversations WHERE conversation_id=$1", convId)
	count := 0
	err = row.Scan(&count)
	assert.NoError(s.T(), err, "rows count should be correctly scanned")
	assert.Equal(s.T(), 0, count, "whole transaction should be rolled back")
}

func (s *ConversationsStorageTestSuite) Test_RemoveMembers() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	s.createConversation(ctx, store, convId, userId, otherId)

	err := store.RemoveMembers(ctx, convId, []string{userId})
	assert.NoError(s.T(), err, "should correctly remove member")

	members, err := store.GetMemberIDs(ctx, convId)
	assert.NoError(s.T(), err, "should correctly list members")
	assert.Equal(s.T(), []string{otherId}, members, "only the remaining member should be left")
}

func (s *ConversationsStorageTestSuite) Test_GetMemberIDs_CorrectErrorIfConversationDoesNotExist() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	_, err := store.GetMemberIDs(ctx, convId)
	assert.ErrorIs(s.T(), err, ErrConversationNotFound)
}

func (s *ConversationsStorageTestSuite) Test_UserIsMember() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	s.createConversation(ctx, store, convId, userId)

	isMember, err := store.UserIsMember(ctx, convId, userId)
	assert.NoError(s.T(), err, "should return no error")
	assert.True(s.T(), isMember, "user is member")

	isMember, err = store.UserIsMember(ctx, convId, otherId)
	assert.NoError(s.T(), err, "should return no error")
	assert.False(s.T(), isMember, "user is not member")
}

func (s *ConversationsStorageTestSuite) Test_UserIsMember_QueryFailureIsNotDenial() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	s.createConversation(ctx, store, convId, userId)

	_, err := s.db.Exec("ALTER TABLE conversation_members RENAME TO conversation_members_hidden")
	require.NoError(s.T(), err, "should rename members table")
	defer func() {
		_, err := s.db.Exec("ALTER TABLE conversation_members_hidden RENAME TO conversation_members")
		require.NoError(s.T(), err, "should restore members table")
	}()

	isMember, err := store.UserIsMember(ctx, convId, userId)
	assert.Error(s.T(), err, "a failing membership query must surface, not read as denial")
	assert.False(s.T(), isMember)
}

func (s *ConversationsStorageTestSuite) putMessage(ctx context.Context, id string, from string, at time.Time, text string) {
	msgs := NewMessagesStorage(s.db)
	err := msgs.PutMessage(ctx, &models.Message{
		MessageID:      id,
		ConversationID: convId,
		FromUser:       from,
		SentAt:         at,
		Kind:           models.KindText,
		Text:           text,
	})
	require.NoError(s.T(), err, "should correctly put message")
}

func (s *ConversationsStorageTestSuite) Test_ListForUser_NoMessages() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	s.createConversation(ctx, store, convId, userId)

	overviews, err := store.ListForUser(ctx, userId)
	assert.NoError(s.T(), err, "should correctly list conversations")
	require.Len(s.T(), overviews, 1)

	o := overviews[0]
	assert.Equal(s.T(), convId, o.ConversationID)
	assert.Equal(s.T(), 0, o.Unread, "empty conversation has no unread messages")
	assert.Nil(s.T(), o.LastMessageID, "empty conversation has no last message")
	assert.False(s.T(), o.CreatedAt.IsZero(), "creation time must be populated")
}

func (s *ConversationsStorageTestSuite) Test_ListForUser_UnreadExcludesOwnMessages() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	s.createConversation(ctx, store, convId, userId, otherId)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s.putMessage(ctx, "01HV0000000000000000000001", otherId, base, "first")
	s.putMessage(ctx, "01HV0000000000000000000002", userId, base.Add(time.Minute), "mine")
	s.putMessage(ctx, "01HV0000000000000000000003", otherId, base.Add(2*time.Minute), "latest")

	overviews, err := store.ListForUser(ctx, userId)
	assert.NoError(s.T(), err, "should correctly list conversations")
	require.Len(s.T(), overviews, 1)

	o := overviews[0]
	assert.Equal(s.T(), 2, o.Unread, "own messages must not count as unread")
	require.NotNil(s.T(), o.LastMessageID)
	assert.Equal(s.T(), "01HV0000000000000000000003", *o.LastMessageID)
	require.NotNil(s.T(), o.LastText)
	assert.Equal(s.T(), "latest", *o.LastText)
	require.NotNil(s.T(), o.LastSentAt)
	assert.True(s.T(), o.LastSentAt.Equal(base.Add(2*time.Minute)))
}

func (s *ConversationsStorageTestSuite) Test_ListForUser_JoinsSenderProfile() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	s.createConversation(ctx, store, convId, userId, otherId)

	err := store.UpsertProfile(ctx, models.Profile{UserID: otherId, DisplayName: "Sam"})
	require.NoError(s.T(), err, "should correctly upsert profile")

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s.putMessage(ctx, "01HV0000000000000000000001", otherId, base, "hey")

	overviews, err := store.ListForUser(ctx, userId)
	assert.NoError(s.T(), err, "should correctly list conversations")
	require.Len(s.T(), overviews, 1)

	require.NotNil(s.T(), overviews[0].LastSenderName)
	assert.Equal(s.T(), "Sam", *overviews[0].LastSenderName)
}

func (s *ConversationsStorageTestSuite) Test_GetOverview_CorrectErrorIfNotAMember() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	s.createConversation(ctx, store, convId, userId)

	_, err := store.GetOverview(ctx, convId, otherId)
	assert.ErrorIs(s.T(), err, ErrMembershipNotFound)
}

func (s *ConversationsStorageTestSuite) Test_UpdateLastRead_ClearsUnread() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	s.createConversation(ctx, store, convId, userId, otherId)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s.putMessage(ctx, "01HV0000000000000000000001", otherId, base, "hey")

	err := store.UpdateLastRead(ctx, userId, convId, base.Add(time.Second))
	assert.NoError(s.T(), err, "should correctly update last read")

	overview, err := store.GetOverview(ctx, convId, userId)
	assert.NoError(s.T(), err, "should correctly get overview")
	assert.Equal(s.T(), 0, overview.Unread, "messages behind the watermark are read")
}

func (s *ConversationsStorageTestSuite) Test_UpdateLastRead_NeverMovesBackward() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	s.createConversation(ctx, store, convId, userId)

	newer := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	require.NoError(s.T(), store.UpdateLastRead(ctx, userId, convId, newer))
	require.NoError(s.T(), store.UpdateLastRead(ctx, userId, convId, older))

	overview, err := store.GetOverview(ctx, convId, userId)
	assert.NoError(s.T(), err, "should correctly get overview")
	assert.True(s.T(), overview.LastReadAt.Equal(newer), "watermark must not move backward")
}

func (s *ConversationsStorageTestSuite) Test_UpdateLastRead_CorrectErrorIfNotAMember() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	s.createConversation(ctx, store, convId, userId)

	err := store.UpdateLastRead(ctx, otherId, convId, time.Now().UTC())
	assert.ErrorIs(s.T(), err, ErrMembershipNotFound)
}

func (s *ConversationsStorageTestSuite) Test_GetDisplayName() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewConversationsStorage(s.db)
	err := store.UpsertProfile(ctx, models.Profile{UserID: userId, DisplayName: "Alex"})
	require.NoError(s.T(), err, "should correctly upsert profile")

	name, err := store.GetDisplayName(ctx, userId)
	assert.NoError(s.T(), err, "should return no error")
	assert.Equal(s.T(), "Alex", name)

	_, err = store.GetDisplayName(ctx, otherId)
	assert.ErrorIs(s.T(), err, ErrProfileNotFound)
}

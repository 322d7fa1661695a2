package storage

import (
	"context"
	"database/sql"
	"errors"
	sq "github.com/Masterminds/squirrel"
	"github.com/habitproof/chatsync/internal/models"
	"time"
)

var (
	ErrConversationAlreadyExists = errors.New("conversation with provided conversation_id already exists")
	ErrConversationNotFound      = errors.New("conversation with provided conversation_id does not exist")
	ErrEmptyMembers              = errors.New("members array can't be empty")
	ErrMembershipNotFound        = errors.New("user is not a member of provided conversation")
	ErrProfileNotFound           = errors.New("profile with provided user_id does not exist")
)

const (
	ConversationsPrimaryKey          = "conversations_pkey"
	MembersConversationIdForeignKey  = "conversation_members_conversation_id_fkey"
	MembersPrimaryKey                = "conversation_members_pkey"
	MessagesConversationIdForeignKey = "messages_conversation_id_fkey"
	MessagesPrimaryKey               = "messages_pkey"
)

type ConversationsStorage struct {
	db Scope
}

func NewConversationsStorage(db Scope) *ConversationsStorage {
	return &ConversationsStorage{
		db: db,
	}
}

func (s *ConversationsStorage) CreateConversation(ctx context.Context, conv models.ConversationCreate) error {
	query, args, err := sq.Insert("conversations").
		Columns("conversation_id", "name", "avatar_ref").
		Values(conv.ConversationID, conv.Name, conv.AvatarRef).
		PlaceholderFormat(sq.Dollar).
		ToSql()

	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)

	if GetPgxConstraintName(err) == ConversationsPrimaryKey {
		return ErrConversationAlreadyExists
	} else {
		return err
	}
}

func (s *ConversationsStorage) AddMembers(ctx context.Context, conversationId string, members []string) error {
	if len(members) == 0 {
		return ErrEmptyMembers
	}

	builder := sq.Insert("conversation_members").
		Columns("conversation_id", "user_id").
		PlaceholderFormat(sq.Dollar)

	for _, member := range members {
		builder = builder.Values(conversationId, member)
	}

	query, args, err := builder.ToSql()

	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if GetPgxConstraintName(err) == MembersConversationIdForeignKey {
		return ErrConversationNotFound
	} else {
		return err
	}
}

func (s *ConversationsStorage) RemoveMembers(ctx context.Context, conversationId string, members []string) error {
	if len(members) == 0 {
		return ErrEmptyMembers
	}

	builder := sq.Delete("conversation_members").
		Where(sq.Eq{"conversation_id": conversationId}).
		PlaceholderFormat(sq.Dollar)

	union := sq.Or{}
	for _, member := range members {
		union = append(union, sq.Eq{"user_id": member})
	}
	query, args, err := builder.Where(union).ToSql()

	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *ConversationsStorage) GetConversation(ctx context.Context, conversationId string) (*models.Conversation, error) {
	query, args, err := sq.Select("*").
		From("conversations").
		Where(sq.Eq{"conversation_id": conversationId}).
		PlaceholderFormat(sq.Dollar).
		ToSql()

	if err != nil {
		return nil, err
	}

	conv := models.Conversation{}
	err = s.db.GetContext(ctx, &conv, query, args...)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	} else if err != nil {
		return nil, err
	} else {
		return &conv, nil
	}
}

func (s *ConversationsStorage) GetMemberIDs(ctx context.Context, conversationId string) ([]string, error) {
	// Ensure the conversation itself exists so an empty slice is unambiguous
	_, err := s.GetConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}

	query, args, err := sq.Select("user_id").
		From("conversation_members").
		Where(sq.Eq{"conversation_id": conversationId}).
		OrderBy("user_id").
		PlaceholderFormat(sq.Dollar).
		ToSql()

	if err != nil {
		return nil, err
	}

	members := make([]string, 0)
	err = s.db.SelectContext(ctx, &members, query, args...)

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return members, nil
}

func (s *ConversationsStorage) UserIsMember(ctx context.Context, conversationId string, userId string) (bool, error) {
	// Check if conversation exists
	_, err := s.GetConversation(ctx, conversationId)
	if err != nil {
		return false, err
	}

	query, args, err := sq.Select("true").
		From("conversation_members").
		Where(sq.Eq{
			"conversation_id": conversationId,
			"user_id":         userId,
		}).
		PlaceholderFormat(sq.Dollar).
		ToSql()

	if err != nil {
		return false, err
	}

	ok := false
	err = s.db.GetContext(ctx, &ok, query, args...)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return ok, nil
}

func (s *ConversationsStorage) overviewBuilder(userId string) sq.SelectBuilder {
	return sq.Select(
		"c.conversation_id",
		"c.name",
		"c.avatar_ref",
		"c.created_at",
		"m.last_read_at",
	).
		Column(sq.Expr(`(
			SELECT count(*)
			FROM messages msg
			WHERE msg.conversation_id = c.conversation_id
			  AND msg.sent_at > m.last_read_at
			  AND msg.from_user <> ?
		) AS unread`, userId)).
		Columns(
			"last.message_id AS last_message_id",
			"last.from_user AS last_sender",
			"last.display_name AS last_sender_name",
			"last.kind AS last_kind",
			"last.text AS last_text",
			"last.sent_at AS last_sent_at",
		).
		From("conversations c").
		Join("conversation_members m ON m.conversation_id = c.conversation_id").
		LeftJoin(`LATERAL (
			SELECT msg.message_id, msg.from_user, p.display_name, msg.kind, msg.text, msg.sent_at
			FROM messages msg
			LEFT JOIN profiles p ON p.user_id = msg.from_user
			WHERE msg.conversation_id = c.conversation_id
			ORDER BY msg.sent_at DESC, msg.message_id DESC
			LIMIT 1
		) last ON true`).
		Where(sq.Eq{"m.user_id": userId}).
		PlaceholderFormat(sq.Dollar)
}

// ListForUser returns one overview row per conversation the user is a member
// of: conversation metadata, the user's read watermark, the unread count
// (messages past the watermark from other senders) and the latest message
// joined with its sender's profile.
func (s *ConversationsStorage) ListForUser(ctx context.Context, userId string) ([]models.ConversationOverview, error) {
	query, args, err := s.overviewBuilder(userId).ToSql()

	if err != nil {
		return nil, err
	}

	overviews := make([]models.ConversationOverview, 0)
	err = s.db.SelectContext(ctx, &overviews, query, args...)

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return overviews, nil
}

func (s *ConversationsStorage) GetOverview(ctx context.Context, conversationId string, userId string) (*models.ConversationOverview, error) {
	query, args, err := s.overviewBuilder(userId).
		Where(sq.Eq{"c.conversation_id": conversationId}).
		ToSql()

	if err != nil {
		return nil, err
	}

	overview := models.ConversationOverview{}
	err = s.db.GetContext(ctx, &overview, query, args...)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMembershipNotFound
	} else if err != nil {
		return nil, err
	} else {
		return &overview, nil
	}
}

// UpdateLastRead advances the membership read watermark. The watermark never
// moves backward: persisting an older timestamp is a successful no-op.
func (s *ConversationsStorage) UpdateLastRead(ctx context.Context, userId string, conversationId string, at time.Time) error {
	query, args, err := sq.Update("conversation_members").
		Set("last_read_at", sq.Expr("GREATEST(last_read_at, ?)", at.UTC())).
		Where(sq.Eq{
			"conversation_id": conversationId,
			"user_id":         userId,
		}).
		PlaceholderFormat(sq.Dollar).
		ToSql()

	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)

	if err != nil {
		return err
	}

	count, err := res.RowsAffected()

	if err != nil {
		return err
	}

	if count == 0 {
		return ErrMembershipNotFound
	}

	return nil
}

func (s *ConversationsStorage) GetDisplayName(ctx context.Context, userId string) (string, error) {
	query, args, err := sq.Select("display_name").
		From("profiles").
		Where(sq.Eq{"user_id": userId}).
		PlaceholderFormat(sq.Dollar).
		ToSql()

	if err != nil {
		return "", err
	}

	name := ""
	err = s.db.GetContext(ctx, &name, query, args...)

	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrProfileNotFound
	} else if err != nil {
		return "", err
	}

	return name, nil
}

func (s *ConversationsStorage) UpsertProfile(ctx context.Context, profile models.Profile) error {
	query, args, err := sq.Insert("profiles").
		Columns("user_id", "display_name").
		Values(profile.UserID, profile.DisplayName).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET display_name = EXCLUDED.display_name").
		PlaceholderFormat(sq.Dollar).
		ToSql()

	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

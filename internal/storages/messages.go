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
	ErrMessageAlreadyExists = errors.New("message with provided message_id already exists")
	ErrMessageNotFound      = errors.New("message does not exist")
)

type MessagesStorage struct {
	db Scope
}

func NewMessagesStorage(db Scope) *MessagesStorage {
	return &MessagesStorage{
		db: db,
	}
}

func (s *MessagesStorage) PutMessage(ctx context.Context, message *models.Message) error {
	query, args, err := sq.Insert("messages").
		Columns("message_id", "conversation_id", "from_user", "sent_at", "kind", "text", "proof_ref").
		Values(message.MessageID, message.ConversationID, message.FromUser, message.SentAt, message.Kind, message.Text, message.ProofRef).
		PlaceholderFormat(sq.Dollar).
		ToSql()

	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)

	if GetPgxConstraintName(err) == MessagesConversationIdForeignKey {
		return ErrConversationNotFound
	} else if GetPgxConstraintName(err) == MessagesPrimaryKey {
		return ErrMessageAlreadyExists
	} else if err != nil {
		return err
	}

	return nil
}

type SelectOptions struct {
	Limit   uint64
	OrderBy []string
}

func (s *MessagesStorage) SelectMessages(ctx context.Context, selector sq.Sqlizer, options ...SelectOptions) ([]models.Message, error) {
	option := SelectOptions{}
	if len(options) > 0 {
		option = options[0]
	}

	builder := sq.Select("*").
		From("messages").
		Where(selector).
		PlaceholderFormat(sq.Dollar)

	if len(option.OrderBy) > 0 {
		builder = builder.OrderBy(option.OrderBy...)
	}

	if option.Limit > 0 {
		builder = builder.Limit(option.Limit)
	}

	query, args, err := builder.ToSql()

	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)

	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0)

	for rows.Next() {
		msg := models.Message{}

		err = rows.StructScan(&msg)

		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

func (s *MessagesStorage) GetMessagesSince(ctx context.Context, conversationId string, since time.Time, count uint64) ([]models.Message, error) {
	selector := sq.And{
		sq.Eq{"conversation_id": conversationId},
		sq.GtOrEq{"sent_at": since.UTC()},
	}
	return s.SelectMessages(ctx, selector, SelectOptions{
		Limit:   count,
		OrderBy: []string{"sent_at", "message_id"},
	})
}

func (s *MessagesStorage) GetMessagesBefore(ctx context.Context, conversationId string, before time.Time, count uint64) ([]models.Message, error) {
	selector := sq.And{
		sq.Eq{"conversation_id": conversationId},
		sq.LtOrEq{"sent_at": before.UTC()},
	}
	return s.SelectMessages(ctx, selector, SelectOptions{
		Limit:   count,
		OrderBy: []string{"sent_at DESC", "message_id DESC"},
	})
}

func (s *MessagesStorage) GetMessagesById(ctx context.Context, ids []string) ([]models.Message, error) {
	selector := sq.Or{}
	for _, id := range ids {
		selector = append(selector, sq.Eq{"message_id": id})
	}
	return s.SelectMessages(ctx, selector, SelectOptions{
		OrderBy: []string{"sent_at DESC", "message_id DESC"},
	})
}

package usecases

import (
	"context"
	"github.com/Masterminds/squirrel"
	"github.com/habitproof/chatsync/internal/models"
	storage "github.com/habitproof/chatsync/internal/storages"
	"time"
)

// defaultHistoryLimit caps a history window; client-requested counts outside
// (0, defaultHistoryLimit) fall back to it.
const defaultHistoryLimit = 500

type MessagesUsecase struct {
	registry storage.Registry
}

func NewMessagesUsecase(r storage.Registry) *MessagesUsecase {
	return &MessagesUsecase{
		registry: r,
	}
}

// SendMessage persists the message and publishes a message_sent update to the
// conversation's whole membership.
func (u *MessagesUsecase) SendMessage(ctx context.Context, sender string, message models.MessageSend) (*models.Message, error) {
	if sender == "" {
		return nil, ErrAuthenticationRequired
	}

	var msg *models.Message
	err := u.registry.Atomic(ctx, func(r storage.Registry) error {
		convs := r.GetConversationsStore()

		isMember, err := convs.UserIsMember(ctx, message.ConversationID, sender)
		if err != nil {
			return err
		} else if !isMember {
			return ErrUserIsNotAMember
		}

		now := time.Now().UTC()
		msg = &models.Message{
			MessageID:      message.MessageID,
			ConversationID: message.ConversationID,
			FromUser:       sender,
			SentAt:         now,
			Kind:           message.Kind,
			Text:           message.Text,
			ProofRef:       message.ProofRef,
		}
		err = r.GetMessagesStore().PutMessage(ctx, msg)

		if err != nil {
			return err
		}

		audience, err := convs.GetMemberIDs(ctx, message.ConversationID)
		if err != nil {
			return err
		}

		return r.GetUpdatesStore().MessageSent(&models.MessageSent{
			MessageID:      msg.MessageID,
			FromUser:       msg.FromUser,
			ConversationID: msg.ConversationID,
			Kind:           msg.Kind,
			Text:           msg.Text,
			ProofRef:       msg.ProofRef,
			SentAt:         msg.SentAt,
		}, audience)
	})

	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessages returns a history window for a member of the conversation.
func (u *MessagesUsecase) GetMessages(ctx context.Context, userId string, sel *models.MessagesSelect) ([]models.Message, error) {
	if userId == "" {
		return nil, ErrAuthenticationRequired
	}

	query := squirrel.And{squirrel.Eq{"conversation_id": sel.ConversationID}}
	if sel.Since != nil {
		query = append(query, squirrel.GtOrEq{"sent_at": *sel.Since})
	}
	if sel.Until != nil {
		query = append(query, squirrel.LtOrEq{"sent_at": *sel.Until})
	}
	opt := storage.SelectOptions{
		Limit:   defaultHistoryLimit,
		OrderBy: []string{"sent_at ASC", "message_id ASC"},
	}
	if sel.Count != nil && *sel.Count > 0 && *sel.Count < defaultHistoryLimit {
		opt.Limit = uint64(*sel.Count)
	}

	var messages []models.Message
	err := u.registry.Atomic(ctx, func(r storage.Registry) error {
		var err error

		isMember, err := r.GetConversationsStore().UserIsMember(ctx, sel.ConversationID, userId)
		if err != nil {
			return err
		}

		if !isMember {
			return ErrUserIsNotAMember
		}

		messages, err = r.GetMessagesStore().SelectMessages(ctx, query, opt)
		return err
	})

	return messages, err
}

package usecases

import (
	"context"
	"errors"
	"fmt"
	"github.com/habitproof/chatsync/internal/models"
	storage "github.com/habitproof/chatsync/internal/storages"
	"time"
)

var (
	ErrPermissionDenied       = errors.New("user is not authorized to this action")
	ErrAuthenticationRequired = fmt.Errorf("%w: Authentication required", ErrPermissionDenied)
	ErrUserIsNotAMember       = fmt.Errorf("%w: User is not a conversation member", ErrPermissionDenied)
	ErrBusinessLogicViolation = errors.New("business logic violation")
)

type ConversationsUsecase struct {
	registry storage.Registry
}

func NewConversationsUsecase(r storage.Registry) *ConversationsUsecase {
	return &ConversationsUsecase{
		registry: r,
	}
}

// CreateConversation creates the conversation with its initial membership and
// emits one member_added update per member, so each member's synchronizer
// picks the new conversation up.
func (u *ConversationsUsecase) CreateConversation(ctx context.Context, creator string, conv models.ConversationCreate) (err error) {
	if creator == "" {
		return ErrAuthenticationRequired
	}

	found := false
	for _, mem := range conv.Members {
		if mem == creator {
			found = true
			break
		}
	}

	if !found {
		conv.Members = append(conv.Members, creator)
	}

	now := time.Now().UTC()
	err = u.registry.Atomic(ctx, func(r storage.Registry) error {
		store := r.GetConversationsStore()
		err := store.CreateConversation(ctx, conv)
		if err != nil {
			return err
		}
		err = store.AddMembers(ctx, conv.ConversationID, conv.Members)
		if err != nil {
			return err
		}

		upd := r.GetUpdatesStore()
		for _, member := range conv.Members {
			err = upd.MemberAdded(&models.MemberAdded{
				ConversationID: conv.ConversationID,
				UserID:         member,
			}, now, conv.Members)

			if err != nil {
				return err
			}
		}
		return nil
	})

	return
}

func (u *ConversationsUsecase) GetOverview(ctx context.Context, userId string, conversationId string) (*models.ConversationOverview, error) {
	if userId == "" {
		return nil, ErrAuthenticationRequired
	}
	return u.registry.GetConversationsStore().GetOverview(ctx, conversationId, userId)
}

func (u *ConversationsUsecase) ListForUser(ctx context.Context, userId string) ([]models.ConversationOverview, error) {
	if userId == "" {
		return nil, ErrAuthenticationRequired
	}
	return u.registry.GetConversationsStore().ListForUser(ctx, userId)
}

func (u *ConversationsUsecase) AddMembers(ctx context.Context, actor string, conversationId string, users []string) error {
	err := u.registry.Atomic(ctx, func(r storage.Registry) error {
		store := r.GetConversationsStore()
		isMember, err := store.UserIsMember(ctx, conversationId, actor)
		if err != nil {
			return err
		}

		if !isMember {
			return ErrUserIsNotAMember
		}

		err = store.AddMembers(ctx, conversationId, users)
		if err != nil {
			return err
		}

		audience, err := store.GetMemberIDs(ctx, conversationId)
		if err != nil {
			return fmt.Errorf("can't get conversation members: %w", err)
		}

		now := time.Now().UTC()
		upd := r.GetUpdatesStore()
		for _, user := range users {
			err = upd.MemberAdded(&models.MemberAdded{
				ConversationID: conversationId,
				UserID:         user,
			}, now, audience)

			if err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (u *ConversationsUsecase) RemoveMembers(ctx context.Context, actor string, conversationId string, users []string) error {
	err := u.registry.Atomic(ctx, func(r storage.Registry) error {
		store := r.GetConversationsStore()
		isMember, err := store.UserIsMember(ctx, conversationId, actor)
		if err != nil {
			return err
		}

		if !isMember {
			return ErrUserIsNotAMember
		}

		// Audience is captured before the removal so the removed users
		// themselves still receive the update.
		audience, err := store.GetMemberIDs(ctx, conversationId)
		if err != nil {
			return fmt.Errorf("can't get conversation members: %w", err)
		}

		err = store.RemoveMembers(ctx, conversationId, users)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		upd := r.GetUpdatesStore()
		for _, user := range users {
			err = upd.MemberRemoved(&models.MemberRemoved{
				ConversationID: conversationId,
				UserID:         user,
			}, now, audience)

			if err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

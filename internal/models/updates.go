package models

import "time"

type UpdateKind string

const (
	UpdateMessageSent   UpdateKind = "message_sent"
	UpdateMemberAdded   UpdateKind = "member_added"
	UpdateMemberRemoved UpdateKind = "member_removed"
)

type UpdateMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Audience  []string  `json:"audience"`
}

type MessageSent struct {
	MessageID      string      `json:"message_id" validate:"required"`
	FromUser       string      `json:"from_user" validate:"required,uuid"`
	ConversationID string      `json:"conversation_id" validate:"required,uuid"`
	Kind           MessageKind `json:"kind" validate:"required,oneof=text proof"`
	Text           string      `json:"text" validate:"required_without=ProofRef"`
	ProofRef       *string     `json:"proof_ref,omitempty"`
	SentAt         time.Time   `json:"sent_at" validate:"required"`
}

type MemberAdded struct {
	ConversationID string `json:"conversation_id" validate:"required,uuid"`
	UserID         string `json:"user_id" validate:"required,uuid"`
}

type MemberRemoved struct {
	ConversationID string `json:"conversation_id" validate:"required,uuid"`
	UserID         string `json:"user_id" validate:"required,uuid"`
}

// Update is the tagged envelope pushed over the updates topic. Exactly one of
// the payload pointers matching Kind is set.
type Update struct {
	Kind          UpdateKind     `json:"kind" validate:"required,oneof=message_sent member_added member_removed"`
	Meta          UpdateMeta     `json:"meta"`
	MessageSent   *MessageSent   `json:"message_sent,omitempty"`
	MemberAdded   *MemberAdded   `json:"member_added,omitempty"`
	MemberRemoved *MemberRemoved `json:"member_removed,omitempty"`
}

// Payload returns the payload struct matching Kind, or nil when the envelope
// is inconsistent.
func (u *Update) Payload() interface{} {
	switch u.Kind {
	case UpdateMessageSent:
		if u.MessageSent != nil {
			return u.MessageSent
		}
	case UpdateMemberAdded:
		if u.MemberAdded != nil {
			return u.MemberAdded
		}
	case UpdateMemberRemoved:
		if u.MemberRemoved != nil {
			return u.MemberRemoved
		}
	}
	return nil
}

package models

import "time"

type Conversation struct {
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Name           string    `json:"name" db:"name"`
	AvatarRef      *string   `json:"avatar_ref" db:"avatar_ref"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type Membership struct {
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	LastReadAt     time.Time `json:"last_read_at" db:"last_read_at"`
}

type ConversationWithMembers struct {
	Conversation
	Members []Membership `json:"members"`
}

type ConversationCreate struct {
	ConversationID string
	Name           string
	AvatarRef      *string
	Members        []string
}

// ConversationOverview is one row of the user's conversation list as the
// authoritative store sees it: the conversation itself, the requesting user's
// read watermark, the unread count and the latest message (if any) with its
// sender's display name, fetched in a single query.
type ConversationOverview struct {
	Conversation
	LastReadAt     time.Time  `db:"last_read_at"`
	Unread         int        `db:"unread"`
	LastMessageID  *string    `db:"last_message_id"`
	LastSender     *string    `db:"last_sender"`
	LastSenderName *string    `db:"last_sender_name"`
	LastKind       *string    `db:"last_kind"`
	LastText       *string    `db:"last_text"`
	LastSentAt     *time.Time `db:"last_sent_at"`
}

type Profile struct {
	UserID      string `db:"user_id"`
	DisplayName string `db:"display_name"`
}

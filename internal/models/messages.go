package models

import "time"

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindProof MessageKind = "proof"
)

// Message is append-only: rows are never mutated after insertion. Ordering
// inside a conversation is by sent_at, ties broken by the ULID message id.
type Message struct {
	MessageID      string      `db:"message_id"`
	ConversationID string      `db:"conversation_id"`
	FromUser       string      `db:"from_user"`
	SentAt         time.Time   `db:"sent_at"`
	Kind           MessageKind `db:"kind"`
	Text           string      `db:"text"`
	ProofRef       *string     `db:"proof_ref"`
}

type MessageSend struct {
	MessageID      string
	ConversationID string
	Kind           MessageKind
	Text           string
	ProofRef       *string
}

type MessagesSelect struct {
	ConversationID string
	Since          *time.Time
	Until          *time.Time
	Count          *int
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/habitproof/chatsync/internal/models"
	"github.com/habitproof/chatsync/internal/realtime"
	"github.com/habitproof/chatsync/internal/syncer"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 1 << 16
)

// Messages is the message operations slice of the usecase layer the gateway
// needs. *usecases.MessagesUsecase satisfies it.
type Messages interface {
	SendMessage(ctx context.Context, sender string, message models.MessageSend) (*models.Message, error)
	GetMessages(ctx context.Context, userId string, sel *models.MessagesSelect) ([]models.Message, error)
}

// Conversations is the membership operations slice of the usecase layer.
// *usecases.ConversationsUsecase satisfies it.
type Conversations interface {
	CreateConversation(ctx context.Context, creator string, conv models.ConversationCreate) error
	AddMembers(ctx context.Context, actor string, conversationId string, users []string) error
	RemoveMembers(ctx context.Context, actor string, conversationId string, users []string) error
}

// Gateway is the websocket seam towards the UI layer. Every accepted
// connection mounts its own syncer instance: the list state lives and dies
// with the connection, there is no state shared between screens.
type Gateway struct {
	log           *logrus.Logger
	verifier      TokenVerifier
	store         syncer.Store
	broker        *realtime.Broker
	messages      Messages
	conversations Conversations
}

func NewGateway(v TokenVerifier, store syncer.Store, broker *realtime.Broker, messages Messages, conversations Conversations, logger *logrus.Logger) *Gateway {
	return &Gateway{
		log:           logger,
		verifier:      v,
		store:         store,
		broker:        broker,
		messages:      messages,
		conversations: conversations,
	}
}

// clientFrame is what the UI sends: mark a conversation read, send a message,
// request a history window, or change a conversation's membership.
type clientFrame struct {
	Type           string     `json:"type"`
	ConversationID string     `json:"conversation_id"`
	Kind           string     `json:"kind,omitempty"`
	Text           string     `json:"text,omitempty"`
	ProofRef       *string    `json:"proof_ref,omitempty"`
	Name           string     `json:"name,omitempty"`
	Members        []string   `json:"members,omitempty"`
	Users          []string   `json:"users,omitempty"`
	Since          *time.Time `json:"since,omitempty"`
	Until          *time.Time `json:"until,omitempty"`
	Count          *int       `json:"count,omitempty"`
}

type entryPayload struct {
	ConversationID string          `json:"conversation_id"`
	Name           string          `json:"name"`
	AvatarRef      *string         `json:"avatar_ref,omitempty"`
	LastActivity   time.Time       `json:"last_activity"`
	Unread         int             `json:"unread"`
	Preview        *previewPayload `json:"preview,omitempty"`
}

type previewPayload struct {
	SenderName string `json:"sender_name"`
	Summary    string `json:"summary"`
}

type snapshotFrame struct {
	Type          string         `json:"type"`
	Conversations []entryPayload `json:"conversations"`
}

type messagePayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	FromUser       string    `json:"from_user"`
	SentAt         time.Time `json:"sent_at"`
	Kind           string    `json:"kind"`
	Text           string    `json:"text,omitempty"`
	ProofRef       *string   `json:"proof_ref,omitempty"`
}

type historyFrame struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id"`
	Messages       []messagePayload `json:"messages"`
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := g.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.log.WithError(err).Warning("websocket accept failed")
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := syncer.NewSyncer(userID, g.store, g.broker, g.log)

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx)
	}()

	go g.readLoop(ctx, cancel, conn, s, userID)

	g.writeLoop(ctx, conn, s, runErr)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (g *Gateway) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return "", ErrInvalidToken
	}
	return g.verifier.Verify(token)
}

// writeLoop pushes a fresh list snapshot whenever the syncer reports a
// change. Snapshots are coalesced: a burst of updates produces one write.
func (g *Gateway) writeLoop(ctx context.Context, conn *websocket.Conn, s *syncer.Syncer, runErr <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-runErr:
			if err != nil {
				g.log.WithError(err).Warning("syncer stopped")
				_ = conn.Close(websocket.StatusInternalError, "sync failed")
			}
			return
		case <-s.Changed():
			if err := g.writeSnapshot(ctx, conn, s.List()); err != nil {
				g.log.WithError(err).Debug("snapshot write failed, closing")
				return
			}
		}
	}
}

func (g *Gateway) writeSnapshot(ctx context.Context, conn *websocket.Conn, entries []syncer.Entry) error {
	frame := snapshotFrame{
		Type:          "snapshot",
		Conversations: make([]entryPayload, 0, len(entries)),
	}
	for _, e := range entries {
		p := entryPayload{
			ConversationID: e.Conversation.ConversationID,
			Name:           e.Conversation.Name,
			AvatarRef:      e.Conversation.AvatarRef,
			LastActivity:   e.LastActivity,
			Unread:         e.Unread,
		}
		if e.Preview != nil {
			p.Preview = &previewPayload{
				SenderName: e.Preview.SenderName,
				Summary:    e.Preview.Summary,
			}
		}
		frame.Conversations = append(frame.Conversations, p)
	}

	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	return conn.Write(writeCtx, websocket.MessageText, body)
}

func (g *Gateway) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, s *syncer.Syncer, userID string) {
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				g.log.WithError(err).Debug("websocket read failed")
			}
			return
		}

		frame := clientFrame{}
		if err := json.Unmarshal(data, &frame); err != nil {
			g.log.WithError(err).Debug("dropping malformed client frame")
			continue
		}

		switch frame.Type {
		case "read":
			s.MarkRead(frame.ConversationID)
		case "send":
			g.handleSend(ctx, userID, &frame)
		case "history":
			g.handleHistory(ctx, conn, userID, &frame)
		case "create":
			g.handleCreate(ctx, userID, &frame)
		case "add_members":
			g.handleMembers(ctx, userID, &frame, g.conversations.AddMembers)
		case "remove_members":
			g.handleMembers(ctx, userID, &frame, g.conversations.RemoveMembers)
		default:
			g.log.WithField("type", frame.Type).Debug("unknown client frame type")
		}
	}
}

func (g *Gateway) handleSend(ctx context.Context, userID string, frame *clientFrame) {
	kind := models.MessageKind(frame.Kind)
	if kind == "" {
		kind = models.KindText
	}

	_, err := g.messages.SendMessage(ctx, userID, models.MessageSend{
		MessageID:      ulid.Make().String(),
		ConversationID: frame.ConversationID,
		Kind:           kind,
		Text:           frame.Text,
		ProofRef:       frame.ProofRef,
	})

	if err != nil {
		g.log.WithError(err).
			WithField("conversation_id", frame.ConversationID).
			WithField("user_id", userID).
			Warning("send message failed")
	}
}

// handleHistory answers a history request with one history frame. The write
// happens on the read goroutine; the connection serializes it against
// concurrent snapshot writes.
func (g *Gateway) handleHistory(ctx context.Context, conn *websocket.Conn, userID string, frame *clientFrame) {
	messages, err := g.messages.GetMessages(ctx, userID, &models.MessagesSelect{
		ConversationID: frame.ConversationID,
		Since:          frame.Since,
		Until:          frame.Until,
		Count:          frame.Count,
	})

	if err != nil {
		g.log.WithError(err).
			WithField("conversation_id", frame.ConversationID).
			WithField("user_id", userID).
			Warning("history request failed")
		return
	}

	reply := historyFrame{
		Type:           "history",
		ConversationID: frame.ConversationID,
		Messages:       make([]messagePayload, 0, len(messages)),
	}
	for _, m := range messages {
		reply.Messages = append(reply.Messages, messagePayload{
			MessageID:      m.MessageID,
			ConversationID: m.ConversationID,
			FromUser:       m.FromUser,
			SentAt:         m.SentAt,
			Kind:           string(m.Kind),
			Text:           m.Text,
			ProofRef:       m.ProofRef,
		})
	}

	body, err := json.Marshal(reply)
	if err != nil {
		g.log.WithError(err).Warning("can't marshal history frame")
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, body); err != nil {
		g.log.WithError(err).Debug("history write failed")
	}
}

func (g *Gateway) handleCreate(ctx context.Context, userID string, frame *clientFrame) {
	conversationID := frame.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	err := g.conversations.CreateConversation(ctx, userID, models.ConversationCreate{
		ConversationID: conversationID,
		Name:           frame.Name,
		Members:        frame.Members,
	})

	if err != nil {
		g.log.WithError(err).
			WithField("conversation_id", conversationID).
			WithField("user_id", userID).
			Warning("create conversation failed")
	}
}

func (g *Gateway) handleMembers(ctx context.Context, userID string, frame *clientFrame, op func(context.Context, string, string, []string) error) {
	err := op(ctx, userID, frame.ConversationID, frame.Users)

	if err != nil {
		g.log.WithError(err).
			WithField("conversation_id", frame.ConversationID).
			WithField("user_id", userID).
			Warning("membership change failed")
	}
}

package storage

import (
	"encoding/json"
	"github.com/Shopify/sarama"
	"github.com/habitproof/chatsync/internal/models"
	"time"
)

type UpdatesStorage struct {
	cfg      *UpdatesStoreConfig
	producer sarama.SyncProducer
}

type UpdatesStoreConfig struct {
	UpdatesTopic string
}

func NewUpdatesStore(p sarama.SyncProducer, cfg *UpdatesStoreConfig) *UpdatesStorage {
	return &UpdatesStorage{
		producer: p,
		cfg:      cfg,
	}
}

func (s *UpdatesStorage) putUpdate(topic, key string, event *models.Update) error {
	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(bytes),
		Timestamp: time.Time{},
	})

	return err
}

func (s *UpdatesStorage) MessageSent(msg *models.MessageSent, audience []string) error {
	update := &models.Update{
		Kind: models.UpdateMessageSent,
		Meta: models.UpdateMeta{
			Timestamp: msg.SentAt.UTC(),
			Audience:  audience,
		},
		MessageSent: msg,
	}
	return s.putUpdate(s.cfg.UpdatesTopic, msg.ConversationID, update)
}

func (s *UpdatesStorage) MemberAdded(member *models.MemberAdded, at time.Time, audience []string) error {
	update := &models.Update{
		Kind: models.UpdateMemberAdded,
		Meta: models.UpdateMeta{
			Timestamp: at.UTC(),
			Audience:  audience,
		},
		MemberAdded: member,
	}
	return s.putUpdate(s.cfg.UpdatesTopic, member.ConversationID, update)
}

func (s *UpdatesStorage) MemberRemoved(member *models.MemberRemoved, at time.Time, audience []string) error {
	update := &models.Update{
		Kind: models.UpdateMemberRemoved,
		Meta: models.UpdateMeta{
			Timestamp: at.UTC(),
			Audience:  audience,
		},
		MemberRemoved: member,
	}
	return s.putUpdate(s.cfg.UpdatesTopic, member.ConversationID, update)
}

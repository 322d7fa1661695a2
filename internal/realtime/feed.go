package realtime

import (
	"context"
	"encoding/json"
	"github.com/Shopify/sarama"
	"github.com/go-playground/validator/v10"
	"github.com/habitproof/chatsync/internal/models"
	"github.com/sirupsen/logrus"
	"time"
)

const defaultResubscribeBackoff = 2 * time.Second

// UpdatesFeed consumes the updates topic and turns raw Kafka messages into
// validated model updates. The transport gives no delivery guarantee across
// consumer re-establishment, so every successful (re)subscribe is reported on
// Resubscribed as a potential gap in the stream.
type UpdatesFeed struct {
	log      *logrus.Logger
	consumer sarama.Consumer
	topic    string
	validate *validator.Validate
	backoff  time.Duration

	updates      chan models.Update
	resubscribed chan struct{}
}

func NewUpdatesFeed(c sarama.Consumer, topic string, logger *logrus.Logger) *UpdatesFeed {
	return &UpdatesFeed{
		log:          logger,
		consumer:     c,
		topic:        topic,
		validate:     validator.New(),
		backoff:      defaultResubscribeBackoff,
		updates:      make(chan models.Update, 256),
		resubscribed: make(chan struct{}, 1),
	}
}

func (f *UpdatesFeed) Updates() <-chan models.Update {
	return f.updates
}

// Resubscribed delivers one (coalesced) signal per consumer establishment,
// including the first. Consumers must treat each signal as a possible gap and
// reconcile from the authoritative store.
func (f *UpdatesFeed) Resubscribed() <-chan struct{} {
	return f.resubscribed
}

// Run blocks until ctx is cancelled, reconnecting the partition consumer with
// a fixed backoff on failure.
func (f *UpdatesFeed) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		pc, err := f.consumer.ConsumePartition(f.topic, 0, sarama.OffsetNewest)
		if err != nil {
			f.log.WithError(err).Warning("can't consume updates partition, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.backoff):
			}
			continue
		}

		select {
		case f.resubscribed <- struct{}{}:
		default:
		}

		f.consume(ctx, pc)
	}
}

// consume drains one partition consumer until it fails or ctx is cancelled.
func (f *UpdatesFeed) consume(ctx context.Context, pc sarama.PartitionConsumer) {
	defer func() {
		if err := pc.Close(); err != nil {
			f.log.WithError(err).Warning("partition consumer close failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-pc.Errors():
			f.log.WithError(err).Warning("updates stream failed, resubscribing")
			return
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			update, err := f.decode(msg.Value)
			if err != nil {
				feedDropped.Inc()
				f.log.WithError(err).
					WithField("offset", msg.Offset).
					Warning("dropping malformed update")
				continue
			}
			select {
			case <-ctx.Done():
				return
			case f.updates <- *update:
				feedConsumed.Inc()
			}
		}
	}
}

func (f *UpdatesFeed) decode(raw []byte) (*models.Update, error) {
	update := models.Update{}
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, err
	}

	if err := f.validate.Struct(&update); err != nil {
		return nil, err
	}

	payload := update.Payload()
	if payload == nil {
		return nil, ErrInconsistentUpdate
	}

	if err := f.validate.Struct(payload); err != nil {
		return nil, err
	}

	return &update, nil
}

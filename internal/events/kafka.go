package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/anas-aljanaby/call-center-backend/internal/logger"
)

// KafkaPublisher writes outcomes keyed by call id so one call's events stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *logger.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		log: log.Component("events"),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, o Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(o.CallID.String()),
		Value: data,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", o.Type, err)
	}
	p.log.WithCall(o.CallID).WithField("type", o.Type).Debug("outcome published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Upload is the payload of the new-call topic.
type Upload struct {
	CallID uuid.UUID `json:"call_id"`
}

// Consumer reads new-call notifications from a consumer group.
type Consumer struct {
	reader *kafka.Reader
	log    *logger.Logger
}

func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
		log: log.Component("events"),
	}
}

// Run hands every decoded call id to handle until ctx ends. Malformed messages are
// logged and committed so they do not block the partition.
func (c *Consumer) Run(ctx context.Context, handle func(ctx context.Context, id uuid.UUID) error) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch upload: %w", err)
		}

		if id, err := DecodeUpload(msg.Value); err != nil {
			c.log.WithError(err).WithField("offset", msg.Offset).Warn("skipping malformed upload message")
		} else if err := handle(ctx, id); err != nil {
			// not committed; redelivered after a rebalance or restart
			c.log.WithCall(id).WithError(err).Warn("upload not accepted")
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit upload: %w", err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func DecodeUpload(data []byte) (uuid.UUID, error) {
	var u Upload
	if err := json.Unmarshal(data, &u); err != nil {
		return uuid.Nil, err
	}
	if u.CallID == uuid.Nil {
		return uuid.Nil, errors.New("missing call_id")
	}
	return u.CallID, nil
}

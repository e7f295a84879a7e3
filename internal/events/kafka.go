package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	logger *zap.Logger
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(logger *zap.Logger, brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(logger, writer, topic)
}

func newKafkaPublisher(logger *zap.Logger, w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{logger: logger, writer: w, topic: topic}
}

// Publish keys messages by order id so every event for one order lands on one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Type, err)
	}

	msg := kafka.Message{
		Key:   []byte(e.OrderID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish payment event",
			zap.Error(err),
			zap.String("topic", p.topic),
			zap.String("event_type", string(e.Type)),
			zap.String("payment_id", e.PaymentID),
		)
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}

	p.logger.Debug("payment event published",
		zap.String("topic", p.topic),
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

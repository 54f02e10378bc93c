// Package events publishes payment domain events to other services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	aws_pkg "atlas-payment-service/pkg/aws"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher delivers a domain event. key groups events about the same
// payment or plan (Kafka partition key, SNS message attribute).
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, event interface{}) error
	Close() error
}

// SNSPublisher sends events to one SNS topic with an event_type attribute
// for subscription filters.
type SNSPublisher struct {
	client   aws_pkg.SNSPublisher
	topicArn string
	logger   *zap.Logger
}

func NewSNSPublisher(client aws_pkg.SNSPublisher, topicArn string, logger *zap.Logger) *SNSPublisher {
	return &SNSPublisher{client: client, topicArn: topicArn, logger: logger}
}

func (p *SNSPublisher) Publish(ctx context.Context, eventType, key string, event interface{}) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	if err := p.client.Publish(ctx, p.topicArn, b, map[string]string{"event_type": eventType, "key": key}); err != nil {
		return err
	}
	p.logger.Debug("Published SNS event", zap.String("event_type", eventType), zap.String("key", key))
	return nil
}

func (p *SNSPublisher) Close() error { return nil }

// MessageWriter is the kafka-go writer surface KafkaPublisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by payment or plan id.
type KafkaPublisher struct {
	writer MessageWriter
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	logger.Info("Kafka event publisher initialized", zap.String("topic", topic), zap.Strings("brokers", brokers))
	return NewKafkaPublisherWithWriter(w, logger)
}

func NewKafkaPublisherWithWriter(w MessageWriter, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType, key string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(eventType)}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", eventType, err)
	}
	p.logger.Debug("Sent Kafka event", zap.String("event_type", eventType), zap.String("key", key))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	segkafka "github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("kafka.topic is required")
	}
	return nil
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...segkafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by saga id, so one saga's events stay
// ordered within a partition.
type KafkaPublisher struct {
	writer writer
	topic  string
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &segkafka.Writer{
		Addr:                   segkafka.TCP(cfg.Brokers...),
		Balancer:               &segkafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	if cfg.ClientID != "" {
		w.Transport = &segkafka.Transport{ClientID: cfg.ClientID}
	}
	return &KafkaPublisher{writer: w, topic: cfg.Topic}, nil
}

func newKafkaPublisherWithWriter(w writer, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka publisher not configured")
	}
	value, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.writer.WriteMessages(ctx, segkafka.Message{
		Topic: p.topic,
		Key:   []byte(e.SagaID),
		Value: value,
		Headers: []segkafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Package kafka publishes ledger events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/microgrid-labs/energy-credit-ledger/internal/interfaces"
)

// Publisher writes JSON-encoded events to a single topic.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher builds a publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{Value: data})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ interfaces.EventPublisher = (*Publisher)(nil)

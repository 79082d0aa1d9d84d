// Package outbox hands due messages to Kafka instead of calling a provider
// directly. One topic per channel; records are keyed by message id so that
// retries of the same message land on the same partition.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"github.com/LeventeLantos/scheduled-dispatch/internal/client"
	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	w      messageWriter
	prefix string
}

func NewKafkaPublisher(brokers []string, topicPrefix string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{w: w, prefix: topicPrefix}
}

// Topic returns the topic deliveries for ch are written to.
func (p *KafkaPublisher) Topic(ch model.Channel) string {
	return fmt.Sprintf("%s.%s", p.prefix, ch)
}

// Deliver publishes d. The broker acknowledgement is the hand-off, so the
// message id doubles as the remote id.
func (p *KafkaPublisher) Deliver(ctx context.Context, d client.Delivery) (string, error) {
	if d.Attachments == nil {
		d.Attachments = []client.File{}
	}
	value, err := json.Marshal(d)
	if err != nil {
		return "", err
	}

	err = p.w.WriteMessages(ctx, kafka.Message{
		Topic: p.Topic(d.Channel),
		Key:   []byte(d.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "channel", Value: []byte(d.Channel)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", d.ID, err)
	}
	return d.ID, nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

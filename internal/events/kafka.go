package events

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Writer is the subset of kafka.Writer used here, so tests can inject a fake.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaHandler publishes outbox events keyed by session id, so one session stays on one partition.
type KafkaHandler struct {
	writer Writer
}

// NewKafkaHandler creates a writer for the given brokers and topic.
func NewKafkaHandler(brokers []string, topic string) *KafkaHandler {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaHandler{writer: w}
}

// NewKafkaHandlerWithWriter allows injecting a test writer.
func NewKafkaHandlerWithWriter(w Writer) *KafkaHandler {
	return &KafkaHandler{writer: w}
}

func (h *KafkaHandler) Handle(ctx context.Context, ev Event) error {
	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: ev.Payload,
		Time:  ev.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID.String())},
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	if err := h.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: kafka write %s: %w", ev.Type, err)
	}
	return nil
}

func (h *KafkaHandler) Close() error {
	return h.writer.Close()
}

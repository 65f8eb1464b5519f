package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// messageWriter abstracts kafka.Writer so tests can capture messages.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...writerMessage) error
	Close() error
}

type writerMessage struct {
	Topic string
	Key   []byte
	Value []byte
}

type kafkaGoWriter struct {
	w *kafka.Writer
}

func (k *kafkaGoWriter) WriteMessages(ctx context.Context, msgs ...writerMessage) error {
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{Topic: m.Topic, Key: m.Key, Value: m.Value}
	}
	return k.w.WriteMessages(ctx, out...)
}

func (k *kafkaGoWriter) Close() error { return k.w.Close() }

// Envelope is the wire format of an event on the topic.
type Envelope struct {
	Name        string          `json:"name"`
	AggregateID string          `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Data        json.RawMessage `json:"data"`
}

// KafkaHandler forwards every event it handles to a Kafka topic, keyed by
// aggregate id so all events of one saga land on the same partition.
type KafkaHandler struct {
	writer messageWriter
	topic  string
}

// NewKafkaHandler builds a synchronous producer with acks=all.
func NewKafkaHandler(brokers []string, topic string) *KafkaHandler {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &KafkaHandler{writer: &kafkaGoWriter{w: w}, topic: topic}
}

func (h *KafkaHandler) Handle(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", evt.EventName(), err)
	}
	value, err := json.Marshal(Envelope{
		Name:        evt.EventName(),
		AggregateID: evt.AggregateID(),
		OccurredAt:  evt.OccurredAt().UTC(),
		Data:        data,
	})
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}

	msg := writerMessage{Topic: h.topic, Key: []byte(evt.AggregateID()), Value: value}
	if err := h.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: publish %s to %s: %w", evt.EventName(), h.topic, err)
	}
	return nil
}

func (h *KafkaHandler) Close() error {
	return h.writer.Close()
}

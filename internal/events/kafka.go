package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/estateshare/trade-engine/internal/metrics"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by Event.Key so all
// events for one channel land on one partition in order. Writes are batched
// asynchronously; delivery failures are logged and counted on completion.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			BatchTimeout: 50 * time.Millisecond,
			Async:        true,
			Completion:   reportDelivery,
		},
		timeout: 5 * time.Second,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		return
	}

	// Detached from the request so a cancelled client does not drop events.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Key()),
		Value: value,
		Time:  ev.Timestamp,
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues("kafka", "failed").Inc()
		slog.Error("kafka publish failed", "type", ev.Type, "key", ev.Key(), "err", err)
		return
	}
	metrics.EventsPublished.WithLabelValues("kafka", "ok").Inc()
}

func reportDelivery(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	metrics.EventsPublished.WithLabelValues("kafka", "failed").Add(float64(len(msgs)))
	slog.Error("kafka delivery failed", "messages", len(msgs), "err", err)
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

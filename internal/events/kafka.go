package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/mbd888/fraudguard/internal/metrics"
)

// DefaultTopic receives every decision event.
const DefaultTopic = "risk_decisions"

const flushTimeoutMs = 5000

// KafkaPublisher writes decision events to a Kafka topic keyed by user id,
// so a user's decisions stay ordered within a partition.
type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewKafkaPublisher connects a producer to the comma-separated brokers.
func NewKafkaPublisher(brokers, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if strings.TrimSpace(brokers) == "" {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"client.id":          "fraudguard",
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          5,
		"compression.type":   "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}

	k := &KafkaPublisher{producer: p, topic: topic, logger: logger}
	k.wg.Add(1)
	go k.drain()
	return k, nil
}

// Publish enqueues the event. Delivery results are reported asynchronously
// to the logs and the events_published_total metric.
func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka: encode event: %w", err)
	}

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.UserID),
		Value:          value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
			{Key: "risk_level", Value: []byte(e.RiskLevel)},
		},
	}, nil)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("kafka", "rejected").Inc()
		return fmt.Errorf("kafka: produce: %w", err)
	}
	return nil
}

// drain consumes delivery reports until the producer is closed.
func (k *KafkaPublisher) drain() {
	defer k.wg.Done()
	for ev := range k.producer.Events() {
		switch m := ev.(type) {
		case *kafka.Message:
			if m.TopicPartition.Error != nil {
				metrics.EventsPublishedTotal.WithLabelValues("kafka", "failed").Inc()
				k.logger.Warn("decision event delivery failed",
					"topic", k.topic, "key", string(m.Key), "error", m.TopicPartition.Error)
				continue
			}
			metrics.EventsPublishedTotal.WithLabelValues("kafka", "delivered").Inc()
		case kafka.Error:
			k.logger.Error("kafka producer error", "code", m.Code(), "error", m)
		}
	}
}

// Close flushes outstanding events and closes the producer.
func (k *KafkaPublisher) Close() {
	if n := k.producer.Flush(flushTimeoutMs); n > 0 {
		k.logger.Warn("kafka producer closed with undelivered events", "pending", n)
	}
	k.producer.Close()
	k.wg.Wait()
}

// Healthy reports whether the producer can reach the cluster metadata.
func (k *KafkaPublisher) Healthy(ctx context.Context) error {
	timeoutMs := 2000
	if deadline, ok := ctx.Deadline(); ok {
		if ms := int(time.Until(deadline).Milliseconds()); ms > 0 && ms < timeoutMs {
			timeoutMs = ms
		}
	}
	_, err := k.producer.GetMetadata(&k.topic, false, timeoutMs)
	return err
}

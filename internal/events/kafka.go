package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/narvanalabs/buildengine/internal/models"
)

// DefaultTopic receives build state changes.
const DefaultTopic = "build-state-changes"

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// producer is the part of *kafka.Producer the publisher uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher writes state changes as JSON to a Kafka topic, keyed by
// build ID so a build's changes stay ordered within a partition.
type KafkaPublisher struct {
	producer producer
	topic    string
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	BootstrapServers string
	Topic            string
	ClientID         string
}

// NewKafkaPublisher connects a producer to the configured brokers.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if cfg.BootstrapServers == "" {
		return nil, errors.New("kafka bootstrap servers are required")
	}
	cm := &kafka.ConfigMap{
		"bootstrap.servers": cfg.BootstrapServers,
		"acks":              "all",
	}
	if cfg.ClientID != "" {
		if err := cm.SetKey("client.id", cfg.ClientID); err != nil {
			return nil, fmt.Errorf("configuring kafka producer: %w", err)
		}
	}
	p, err := kafka.NewProducer(cm)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return newKafkaPublisher(p, cfg.Topic, logger), nil
}

func newKafkaPublisher(p producer, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = DefaultTopic
	}
	k := &KafkaPublisher{
		producer: p,
		topic:    topic,
		logger:   logger.With("component", "kafka_publisher", "topic", topic),
		done:     make(chan struct{}),
	}
	go k.deliveryReports()
	return k
}

// deliveryReports logs messages the brokers did not accept.
func (k *KafkaPublisher) deliveryReports() {
	defer close(k.done)
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				k.logger.Warn("failed to deliver build event",
					"key", string(ev.Key),
					"error", ev.TopicPartition.Error,
				)
			}
		case kafka.Error:
			k.logger.Warn("kafka producer error", "error", ev)
		}
	}
}

// Publish implements Publisher. Delivery is asynchronous.
func (k *KafkaPublisher) Publish(ctx context.Context, change *models.BuildStateChange) error {
	value, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encoding build event: %w", err)
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return ErrPublisherClosed
	}
	topic := k.topic
	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(change.BuildID),
		Value:          value,
		Headers:        []kafka.Header{{Key: "event-type", Value: []byte(eventType(change))}},
	}, nil)
	if err != nil {
		return fmt.Errorf("producing build event: %w", err)
	}
	return nil
}

// Close waits up to timeoutMs for queued messages, then closes the producer.
func (k *KafkaPublisher) Close(timeoutMs int) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	k.mu.Unlock()

	if n := k.producer.Flush(timeoutMs); n > 0 {
		k.logger.Warn("build events not delivered before shutdown", "pending", n)
	}
	k.producer.Close()
	<-k.done
}

func eventType(change *models.BuildStateChange) string {
	if change.BuildComplete {
		return "build.completed"
	}
	return "build.phase_changed"
}

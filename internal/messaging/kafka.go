// Package messaging carries share telemetry in and PoDD events out over Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"

	"github.com/ymode/SyntheticCoin-SYNC/internal/metrics"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/circuit"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/errors"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/log"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/retry"
)

// Handler processes one consumed message.
type Handler func(ctx context.Context, key string, value []byte) error

// messageReader is the part of *kafka.Reader the consumer loop needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaClient publishes PoDD events and consumes share telemetry. Writers are cached per
// topic and readers per topic/group pair.
type KafkaClient struct {
	brokers []string
	logger  *log.Logger
	metrics *metrics.Metrics
	breaker *circuit.Breaker
	retry   *retry.Config

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers map[string]*kafka.Reader
}

// NewKafkaClient creates a client for brokers. logger and m may be nil.
func NewKafkaClient(brokers []string, logger *log.Logger, m *metrics.Metrics) *KafkaClient {
	if logger == nil {
		logger = log.Nop()
	}

	cbConfig := circuit.DefaultConfig("kafka")
	cbConfig.Timeout = 15 * time.Second
	cbConfig.OnStateChange = m.BreakerStateChanged

	return &KafkaClient{
		brokers: brokers,
		logger:  logger.WithComponent("kafka"),
		metrics: m,
		breaker: circuit.New(cbConfig),
		retry:   retry.MessagingConfig(),
		writers: make(map[string]*kafka.Writer),
		readers: make(map[string]*kafka.Reader),
	}
}

// Breaker exposes the publish circuit breaker for health reporting.
func (k *KafkaClient) Breaker() *circuit.Breaker {
	return k.breaker
}

// GetProducer returns the writer for an event topic. Events are keyed by device or squad
// id, so hashing the key keeps each entity's events ordered within one partition.
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()

	if w, ok := k.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchSize:              50,
		BatchTimeout:           20 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
	k.writers[topic] = w
	k.logger.Info("created Kafka producer", "topic", topic)
	return w
}

// GetConsumer returns the reader for topic in groupID. New groups start at the newest
// offset: stale telemetry says nothing about a device's current behaviour.
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := topic + "/" + groupID

	k.mu.Lock()
	defer k.mu.Unlock()

	if r, ok := k.readers[key]; ok {
		return r
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.brokers,
		Topic:          topic,
		GroupID:        groupID,
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	})
	k.readers[key] = r
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return r
}

// PublishJSON marshals v and publishes it to topic under key with a JSON content type header.
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal", "failed to marshal event").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, topic, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
	})
}

// Publish writes a raw message to topic.
func (k *KafkaClient) Publish(ctx context.Context, topic, key string, data []byte) error {
	return k.publish(ctx, topic, kafka.Message{Key: []byte(key), Value: data})
}

func (k *KafkaClient) publish(ctx context.Context, topic string, msg kafka.Message) error {
	err := k.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retry, func() error {
			msg.Time = time.Now()
			if err := k.GetProducer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_event", "failed to publish event").
					WithContext("topic", topic).
					WithContext("key", string(msg.Key)).
					WithContext("message_size", len(msg.Value))
			}
			return nil
		})
	})
	if err != nil {
		k.metrics.PublishFailed(topic)
		return err
	}
	k.logger.Debug("published event", "topic", topic, "key", string(msg.Key), "size", len(msg.Value))
	return nil
}

// StartConsumer reads topic as groupID and hands each message to handler until ctx ends.
// The offset is committed once the handler returns, whatever it returned: a share that
// failed validation will fail again.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, handler Handler) error {
	logger := k.logger.WithFields("topic", topic, "group_id", groupID)
	logger.Info("starting consumer")
	err := k.consume(ctx, k.GetConsumer(topic, groupID), handler, logger)
	logger.Info("consumer stopped")
	return err
}

func (k *KafkaClient) consume(ctx context.Context, reader messageReader, handler Handler, logger *log.Logger) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithError(err).Error("failed to fetch message")
			if err := sleepCtx(ctx, k.retry.BaseDelay); err != nil {
				return err
			}
			continue
		}

		if err := handler(ctx, string(msg.Key), msg.Value); err != nil {
			logger.WithError(err).Debug("message not applied", "key", string(msg.Key), "offset", msg.Offset)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithError(err).Warn("failed to commit offset", "partition", msg.Partition, "offset", msg.Offset)
		}
	}
}

// Close closes every producer and consumer and empties the caches.
func (k *KafkaClient) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var result *multierror.Error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close producer %s: %w", topic, err))
		}
	}
	for key, r := range k.readers {
		if err := r.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close consumer %s: %w", key, err))
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return result.ErrorOrNil()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package channel

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
	"github.com/quantfabric/exchange-core/pkg/config"
	"github.com/quantfabric/exchange-core/pkg/errors"
	"github.com/quantfabric/exchange-core/pkg/logger"
)

const (
	publishAttempts = 5
	publishBackoff  = 100 * time.Millisecond
)

// KafkaChannel is the durable EventChannel: one writer per topic, entries
// keyed by entity id so all changes to one entity land in one partition and
// keep their relative order.
type KafkaChannel struct {
	mu      sync.Mutex
	writers map[string]*kafka.Writer
	cfg     config.KafkaConfig
	log     logger.Interface
	closed  bool
}

type kafkaSubscription struct {
	reader *kafka.Reader
	topic  string
}

func NewKafkaChannel(cfg config.KafkaConfig, log logger.Interface) *KafkaChannel {
	return &KafkaChannel{
		writers: map[string]*kafka.Writer{},
		cfg:     cfg,
		log:     log,
	}
}

func (c *KafkaChannel) writer(topic string) (*kafka.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.NewTracerFromCode(errors.ChannelClosed)
	}
	w, ok := c.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:         kafka.TCP(c.cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: c.cfg.BatchTimeout,
			RequiredAcks: kafka.RequireAll,
		}
		c.writers[topic] = w
	}
	return w, nil
}

// Publish writes the entry, retrying transient broker failures with a flat
// backoff. The entry is keyed by entity id for partition affinity.
func (c *KafkaChannel) Publish(ctx context.Context, topic string, entry changelogv1.Entry) error {
	w, err := c.writer(topic)
	if err != nil {
		return err
	}

	payload, err := entry.ToBytes()
	if err != nil {
		return errors.Wrap(err, "encode changelog entry")
	}
	msg := kafka.Message{
		Key:   []byte(entry.EntityID),
		Value: payload,
	}

	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(publishBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "kafka publish interrupted")
			}
		}
		if lastErr = w.WriteMessages(ctx, msg); lastErr == nil {
			return nil
		}
		c.log.WarnContext(ctx, "kafka publish failed, retrying",
			logger.Field{Key: "topic", Value: topic},
			logger.Field{Key: "attempt", Value: attempt + 1},
			logger.Field{Key: "error", Value: lastErr.Error()},
		)
	}
	return errors.NewTracerFromCode(errors.TransportFailure).Wrap(lastErr)
}

func (c *KafkaChannel) Subscribe(_ context.Context, topic string, opts channelv1.SubscribeOptions) (channelv1.Subscription, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errors.NewTracerFromCode(errors.ChannelClosed)
	}

	queueCap := opts.BufferSize
	if queueCap <= 0 {
		queueCap = 100
	}

	groupID := opts.GroupID
	if groupID != "" && c.cfg.GroupPrefix != "" {
		groupID = c.cfg.GroupPrefix + "-" + groupID
	}

	readerCfg := kafka.ReaderConfig{
		Brokers:       c.cfg.Brokers,
		Topic:         topic,
		GroupID:       groupID,
		QueueCapacity: queueCap,
	}
	// StartOffset is only honored for group readers; it decides where a
	// fresh group begins when no committed offset exists yet.
	if groupID != "" {
		readerCfg.StartOffset = kafka.FirstOffset
		if opts.FromLatest {
			readerCfg.StartOffset = kafka.LastOffset
		}
	}
	reader := kafka.NewReader(readerCfg)
	return &kafkaSubscription{reader: reader, topic: topic}, nil
}

func (c *KafkaChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var firstErr error
	for topic, w := range c.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "close writer "+topic)
		}
		delete(c.writers, topic)
	}
	return firstErr
}

// Next fetches without committing; the consumed offset advances only when
// Commit is called, which is what gives stages at-least-once delivery.
func (s *kafkaSubscription) Next(ctx context.Context) (channelv1.Message, error) {
	raw, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return channelv1.Message{}, errors.Wrap(err, "kafka fetch")
	}
	entry, err := changelogv1.FromBytes(raw.Value)
	if err != nil {
		return channelv1.Message{}, errors.Wrap(err, "decode changelog entry")
	}
	return channelv1.Message{
		Topic:     raw.Topic,
		Partition: raw.Partition,
		Offset:    raw.Offset,
		Entry:     entry,
	}, nil
}

func (s *kafkaSubscription) Commit(ctx context.Context, msg channelv1.Message) error {
	err := s.reader.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
	if err != nil {
		return errors.Wrap(err, "kafka commit")
	}
	return nil
}

func (s *kafkaSubscription) Close() error {
	return s.reader.Close()
}

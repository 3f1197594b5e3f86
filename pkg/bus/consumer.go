package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// maxHandlerRetries is the maximum number of times a message handler will be
// attempted before the message is dead-lettered (poison pill protection).
const maxHandlerRetries = 3

// Handler processes a single bus envelope.
type Handler func(ctx context.Context, msg *Message) error

// ConsumerConfig holds consumer configuration for one routing key.
type ConsumerConfig struct {
	Brokers    []string
	GroupID    string
	RoutingKey string
	// Prefetch caps the number of fetched-but-unprocessed messages buffered
	// by the reader.
	Prefetch int
	// ReconnectInterval is the fixed backoff between reconnection attempts
	// after a broker connection failure.
	ReconnectInterval time.Duration
	MinBytes          int
	MaxBytes          int
	// EnableDLQ routes messages that exhaust all handler retries to the
	// dead-letter topic instead of silently dropping them.
	EnableDLQ bool
}

// Consumer drains one topic and dispatches envelopes to a handler. Failed
// messages are retried with backoff; messages that exhaust retries are
// dead-lettered (when enabled) and committed so the partition keeps moving.
type Consumer struct {
	cfg       ConsumerConfig
	reader    *kafka.Reader
	dlq       *DLQProducer
	logger    *slog.Logger
	handler   Handler
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewConsumer creates a new consumer for a routing key and group.
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *slog.Logger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}

	c := &Consumer{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
	}
	c.reader = c.newReader()

	if cfg.EnableDLQ {
		c.dlq = NewDLQProducer(cfg.Brokers, logger)
	}

	return c
}

func (c *Consumer) newReader() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:       c.cfg.Brokers,
		GroupID:       c.cfg.GroupID,
		Topic:         Topic(c.cfg.RoutingKey),
		MinBytes:      c.cfg.MinBytes,
		MaxBytes:      c.cfg.MaxBytes,
		QueueCapacity: c.cfg.Prefetch,
	})
}

// reconnect replaces the reader after a broker failure. The consumer group
// redelivers any uncommitted messages on the new connection.
func (c *Consumer) reconnect(ctx context.Context) bool {
	c.logger.Warn("bus connection lost, reconnecting",
		slog.String("topic", Topic(c.cfg.RoutingKey)),
		slog.String("group", c.cfg.GroupID),
		slog.Duration("backoff", c.cfg.ReconnectInterval),
	)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.cfg.ReconnectInterval):
	}

	c.mu.Lock()
	_ = c.reader.Close()
	c.reader = c.newReader()
	c.mu.Unlock()
	return true
}

// Start begins consuming messages. It blocks until the context is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	topic := Topic(c.cfg.RoutingKey)
	c.logger.Info("consumer started",
		slog.String("topic", topic),
		slog.String("group", c.cfg.GroupID),
		slog.Int("prefetch", c.cfg.Prefetch),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", slog.String("topic", topic))
			return c.Close()
		default:
			kmsg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("failed to fetch message",
					slog.String("topic", topic),
					slog.String("error", err.Error()),
				)
				if !c.reconnect(ctx) {
					return nil
				}
				continue
			}

			ConsumerMessagesReceived.WithLabelValues(topic, c.cfg.GroupID).Inc()
			c.process(ctx, kmsg)
		}
	}
}

// process runs the handler with retries and commits the message. Undecodable
// and poison messages are dead-lettered so they never block the partition.
func (c *Consumer) process(ctx context.Context, kmsg kafka.Message) {
	topic := kmsg.Topic

	msg, err := UnmarshalMessage(kmsg.Value)
	if err != nil {
		c.logger.Error("failed to decode message",
			slog.String("error", err.Error()),
			slog.String("topic", topic),
		)
		c.deadLetter(ctx, kmsg, err, 0)
		c.commit(ctx, kmsg)
		return
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxHandlerRetries; attempt++ {
		if err := c.handler(ctx, msg); err != nil {
			lastErr = err
			c.logger.Warn("handler failed, will retry",
				slog.String("routing_key", msg.Type),
				slog.String("error", err.Error()),
				slog.String("topic", topic),
				slog.Int("partition", kmsg.Partition),
				slog.Int64("offset", kmsg.Offset),
				slog.Int("attempt", attempt),
				slog.Int("max_retries", maxHandlerRetries),
			)
			msg.Metadata.RetryCount++

			if attempt < maxHandlerRetries {
				backoff := time.Duration(attempt) * 100 * time.Millisecond
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
			}
		} else {
			lastErr = nil
			break
		}
	}

	ConsumerProcessingDuration.WithLabelValues(topic, c.cfg.GroupID).Observe(time.Since(start).Seconds())

	if lastErr != nil {
		ConsumerMessagesFailed.WithLabelValues(topic, c.cfg.GroupID).Inc()
		c.logger.Error("handler failed after all retries",
			slog.String("routing_key", msg.Type),
			slog.String("error", lastErr.Error()),
			slog.String("topic", topic),
			slog.Int("partition", kmsg.Partition),
			slog.Int64("offset", kmsg.Offset),
			slog.Int("retries", maxHandlerRetries),
		)
		c.deadLetter(ctx, kmsg, lastErr, msg.Metadata.RetryCount)
		c.commit(ctx, kmsg)
		return
	}

	ConsumerMessagesProcessed.WithLabelValues(topic, c.cfg.GroupID).Inc()
	c.commit(ctx, kmsg)
}

func (c *Consumer) deadLetter(ctx context.Context, kmsg kafka.Message, cause error, attempts int) {
	if c.dlq == nil {
		return
	}
	if err := c.dlq.Publish(ctx, kmsg, cause, c.cfg.GroupID, attempts); err != nil {
		c.logger.Error("failed to dead-letter message",
			slog.String("topic", kmsg.Topic),
			slog.Int64("offset", kmsg.Offset),
			slog.String("error", err.Error()),
		)
		return
	}
	ConsumerDLQPublished.WithLabelValues(kmsg.Topic, c.cfg.GroupID).Inc()
}

func (c *Consumer) commit(ctx context.Context, kmsg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, kmsg); err != nil {
		c.logger.Error("failed to commit message",
			slog.String("topic", kmsg.Topic),
			slog.Int64("offset", kmsg.Offset),
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the consumer. It is safe to call multiple times.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		err = c.reader.Close()
		c.mu.Unlock()
		if c.dlq != nil {
			_ = c.dlq.Close()
		}
	})
	return err
}

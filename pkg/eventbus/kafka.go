package eventbus

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerEventID     = "rr-event-id"
	headerRetryCount  = "rr-retry-count"
	headerOriginTopic = "rr-origin-topic"
	headerDLQError    = "rr-dlq-error"
)

// permanentError is matched via errors.As; handlers mark errors that can
// never succeed on redelivery (validation failures) so the consumer skips
// the retry topic and goes straight to the DLQ.
type permanentError interface {
	Permanent() bool
}

func isPermanent(err error) bool {
	var perm permanentError
	return errors.As(err, &perm) && perm.Permanent()
}

type ProducerConfig struct {
	Brokers  []string
	ClientID string
}

// Producer writes retry and DLQ messages; topics travel per message.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg ProducerConfig) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Balancer: &kafka.LeastBytes{},
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
		RequiredAcks: kafka.RequireAll,
	}
	return &Producer{writer: writer}
}

func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	if topic == "" {
		return errors.New("topic is not configured")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

type ConsumerConfig struct {
	Brokers    []string
	ClientID   string
	GroupID    string
	Topic      string
	RetryTopic string
	DLQTopic   string
	MaxRetries int
}

type Handler func(ctx context.Context, payload []byte) error

// Consumer runs one consumer group over a topic and its retry companion.
// Duplicate event ids are dropped before the handler runs; permanent
// handler failures are dead-lettered, transient ones re-queued up to
// MaxRetries. Every message is committed exactly once per delivery.
type Consumer struct {
	producer   *Producer
	config     ConsumerConfig
	handler    Handler
	deduper    Deduper
	logger     *zap.Logger
	readers    []*kafka.Reader
	mu         sync.Mutex
	runErr     error
	loops      sync.WaitGroup
	startOnce  sync.Once
	closeOnce  sync.Once
	closedChan chan struct{}
}

func NewConsumer(cfg ConsumerConfig, producer *Producer, handler Handler, deduper Deduper, logger *zap.Logger) *Consumer {
	return &Consumer{
		producer:   producer,
		config:     cfg,
		handler:    handler,
		deduper:    deduper,
		logger:     logger,
		closedChan: make(chan struct{}),
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	c.startOnce.Do(func() {
		if c.config.MaxRetries <= 0 {
			c.config.MaxRetries = 3
		}

		readers := c.buildReaders()
		c.mu.Lock()
		c.readers = readers
		c.mu.Unlock()

		for _, reader := range readers {
			c.loops.Add(1)
			go func(r *kafka.Reader) {
				defer c.loops.Done()
				err := c.consumeLoop(ctx, r)
				// A closed reader surfaces as io.EOF (fetch) or
				// io.ErrClosedPipe (commit); both mean normal shutdown.
				if err != nil && !errors.Is(err, context.Canceled) &&
					!errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
					c.recordLoopErr(err)
					c.logger.Error("consumer loop exited",
						zap.String("group", c.config.GroupID),
						zap.Error(err),
					)
				}
			}(reader)
		}
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closedChan:
		return c.loopErr()
	}
}

// recordLoopErr keeps the first failure; later loops may die with follow-on
// errors once the first one is already fatal.
func (c *Consumer) recordLoopErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runErr == nil {
		c.runErr = err
	}
}

func (c *Consumer) loopErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// Close stops the readers and blocks until every consume loop has returned,
// so a handler that is mid-delivery finishes before the caller tears down
// whatever the handler depends on.
func (c *Consumer) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		readers := c.readers
		c.mu.Unlock()
		for _, reader := range readers {
			if err := reader.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
		c.loops.Wait()
		close(c.closedChan)
	})
	return closeErr
}

func (c *Consumer) buildReaders() []*kafka.Reader {
	config := kafka.ReaderConfig{
		Brokers:  c.config.Brokers,
		GroupID:  c.config.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		Dialer: &kafka.Dialer{
			ClientID: c.config.ClientID,
		},
	}

	readers := []*kafka.Reader{}
	if c.config.Topic != "" {
		cfg := config
		cfg.Topic = c.config.Topic
		readers = append(readers, kafka.NewReader(cfg))
	}
	if c.config.RetryTopic != "" {
		cfg := config
		cfg.Topic = c.config.RetryTopic
		readers = append(readers, kafka.NewReader(cfg))
	}

	return readers
}

func (c *Consumer) consumeLoop(ctx context.Context, reader *kafka.Reader) error {
	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		eventID := extractEventID(message)
		if c.deduper != nil && eventID != "" {
			seen, err := c.deduper.Seen(ctx, eventID)
			if err == nil && seen {
				c.logger.Info("duplicate event delivery dropped",
					zap.String("topic", message.Topic),
					zap.String("event_id", eventID),
				)
				if commitErr := reader.CommitMessages(ctx, message); commitErr != nil {
					return commitErr
				}
				continue
			}
		}

		handlerErr := c.handler(ctx, message.Value)
		if handlerErr != nil {
			if err := c.handleFailure(ctx, message, handlerErr); err != nil {
				return err
			}
		} else if c.deduper != nil && eventID != "" {
			_ = c.deduper.MarkSeen(ctx, eventID)
		}

		if err := reader.CommitMessages(ctx, message); err != nil {
			return err
		}
	}
}

func (c *Consumer) handleFailure(ctx context.Context, message kafka.Message, handlerErr error) error {
	if c.producer == nil {
		return handlerErr
	}

	retryCount := retryAttempt(message)
	if !isPermanent(handlerErr) && retryCount < c.config.MaxRetries && c.config.RetryTopic != "" {
		c.logger.Warn("event handling failed, re-queueing",
			zap.String("topic", message.Topic),
			zap.Int("attempt", retryCount+1),
			zap.Error(handlerErr),
		)
		headers := appendHeaders(message.Headers,
			kafka.Header{Key: headerRetryCount, Value: []byte(strconv.Itoa(retryCount + 1))},
			kafka.Header{Key: headerOriginTopic, Value: []byte(message.Topic)},
		)
		return c.producer.Publish(ctx, c.config.RetryTopic, message.Key, message.Value, headers...)
	}

	if c.config.DLQTopic != "" {
		c.logger.Warn("event dead-lettered",
			zap.String("topic", message.Topic),
			zap.Bool("permanent", isPermanent(handlerErr)),
			zap.Error(handlerErr),
		)
		headers := appendHeaders(message.Headers,
			kafka.Header{Key: headerOriginTopic, Value: []byte(message.Topic)},
			kafka.Header{Key: headerDLQError, Value: []byte(handlerErr.Error())},
		)
		return c.producer.Publish(ctx, c.config.DLQTopic, message.Key, message.Value, headers...)
	}

	return handlerErr
}

func retryAttempt(message kafka.Message) int {
	for _, header := range message.Headers {
		if header.Key == headerRetryCount {
			count, err := strconv.Atoi(string(header.Value))
			if err == nil {
				return count
			}
			return 0
		}
	}
	return 0
}

func extractEventID(message kafka.Message) string {
	for _, header := range message.Headers {
		if header.Key == headerEventID {
			return string(header.Value)
		}
	}
	if len(message.Key) > 0 {
		return string(message.Key)
	}
	return ""
}

func appendHeaders(existing []kafka.Header, headers ...kafka.Header) []kafka.Header {
	merged := make([]kafka.Header, 0, len(existing)+len(headers))
	merged = append(merged, existing...)
	merged = append(merged, headers...)
	return merged
}

package mq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"goalpath/pkg/logger"
	"goalpath/pkg/metrics"
	"goalpath/pkg/otel"
	"goalpath/pkg/trace"
	"goalpath/pkg/util"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// Action is what the consumer does with a delivery after the handler returns.
type Action int

const (
	ActionAck Action = iota
	ActionRequeue
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRequeue:
		return "requeue"
	case ActionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Decide maps a handler result onto an action. attempt is 1-based.
func Decide(err error, attempt, maxRetries int64) (Action, string) {
	if err == nil {
		return ActionAck, ""
	}
	retryable, errType := util.IsRetryableError(err)
	if util.ShouldRetry(attempt, maxRetries, retryable) {
		return ActionRequeue, errType
	}
	return ActionDeadLetter, errType
}

// RetryPolicy bounds redelivery. Without a counter every retryable error is requeued.
type RetryPolicy struct {
	Counter    *util.RetryCounter
	MaxRetries int64
	DLQ        *Publisher
}

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	retry      RetryPolicy
	conn       *amqp091.Connection
	logger     *zap.Logger
	done       chan struct{}
}

// NewConsumer creates a consumer for a specific routing key.
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(format string, err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf(format, err)
	}

	if err := DeclareExchange(ch); err != nil {
		return fail("failed to declare exchange: %w", err)
	}
	if err := DeclareDLQExchange(ch); err != nil {
		return fail("failed to declare dlq exchange: %w", err)
	}
	if _, err := DeclareDLQQueue(ch, routingKey); err != nil {
		return fail("failed to declare dlq queue: %w", err)
	}
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fail("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		return fail("failed to bind queue: %w", err)
	}
	if err := ch.Qos(8, 0, false); err != nil {
		return fail("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

func (c *Consumer) SetRetryPolicy(p RetryPolicy) {
	c.retry = p
}

// IsConnected reports whether the underlying connection is open.
func (c *Consumer) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Stop cancels the subscription; StartConsuming returns once in-flight work finishes.
func (c *Consumer) Stop() {
	if c.channel != nil {
		_ = c.channel.Cancel(c.queue.Name+".consumer", false)
	}
}

// Done is closed when StartConsuming returns.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks until the subscription is cancelled or ctx ends.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	defer close(c.done)
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.queue.Name+".consumer",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

// handle guarantees every delivery is acked, requeued or dead-lettered.
func (c *Consumer) handle(parent context.Context, msg amqp091.Delivery) {
	start := time.Now()
	ctx := otel.ExtractMQ(parent, msg.Headers)
	if traceID, ok := msg.Headers[trace.HeaderName].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	ctx, _ = trace.Ensure(ctx)
	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name)
	log := logger.WithTrace(ctx, c.logger)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			log.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.Any("panic", r),
			)
			c.settle(ctx, log, msg, err)
		}
		otel.EndSpan(span, err)
		metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start))
	}()

	err = c.handler(ctx, msg.Body)
	c.settle(ctx, log, msg, err)
}

func (c *Consumer) settle(ctx context.Context, log *zap.Logger, msg amqp091.Delivery, err error) {
	attempt := int64(1)
	if err != nil && c.retry.Counter != nil {
		n, cerr := c.retry.Counter.IncrementAndGet(ctx, util.FormatRetryKey(c.queue.Name, messageKey(msg)))
		if cerr != nil {
			log.Warn("Failed to get retry count, continuing anyway", zap.Error(cerr))
		} else {
			attempt = n
		}
	}
	maxRetries := c.retry.MaxRetries
	if c.retry.Counter == nil {
		maxRetries = attempt
	}

	action, errType := Decide(err, attempt, maxRetries)
	switch action {
	case ActionAck:
		if ackErr := msg.Ack(false); ackErr != nil {
			log.Error("Failed to ack message", zap.String("routing_key", c.routingKey), zap.Error(ackErr))
		}
		return
	case ActionRequeue:
		log.Warn("Handler failed, requeueing",
			zap.String("routing_key", c.routingKey),
			zap.String("error_type", errType),
			zap.Int64("attempt", attempt),
			zap.Error(err),
		)
		if nackErr := msg.Nack(false, true); nackErr != nil {
			log.Error("Failed to nack message", zap.String("routing_key", c.routingKey), zap.Error(nackErr))
		}
		return
	}

	log.Error("Handler failed, dead-lettering",
		zap.String("routing_key", c.routingKey),
		zap.String("error_type", errType),
		zap.Int64("attempt", attempt),
		zap.Error(err),
	)
	if c.retry.DLQ != nil {
		if dlqErr := c.retry.DLQ.PublishToDLQ(ctx, c.routingKey, msg.Body, errType, err.Error()); dlqErr != nil {
			// DLQ 不可用时重新入队，避免丢消息
			log.Error("Failed to publish to DLQ, requeueing", zap.Error(dlqErr))
			_ = msg.Nack(false, true)
			return
		}
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		log.Error("Failed to ack dead-lettered message", zap.Error(ackErr))
	}
	if c.retry.Counter != nil {
		_ = c.retry.Counter.Reset(ctx, util.FormatRetryKey(c.queue.Name, messageKey(msg)))
	}
}

func messageKey(msg amqp091.Delivery) string {
	if msg.MessageId != "" {
		return msg.MessageId
	}
	sum := sha256.Sum256(msg.Body)
	return hex.EncodeToString(sum[:8])
}

package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailqueue/pkg/metrics"
	"mailqueue/pkg/otel"
	"mailqueue/pkg/trace"
)

// ErrDrop marks a message that must not be redelivered. The consumer rejects
// it without requeue so the broker dead-letters it.
var ErrDrop = errors.New("mq: drop message")

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// Settle acks or nacks a delivery with the same rules a MessageHandler's
// return value follows. Only the first call has an effect.
type Settle func(err error)

// AsyncMessageHandler takes ownership of a delivery and settles it once its
// work is done. It is called from the consume loop, so it should hand long
// work to a goroutine and return.
type AsyncMessageHandler func(ctx context.Context, data json.RawMessage, settle Settle)

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	tag        string
	handler    AsyncMessageHandler
	conn       *amqp091.Connection
	logger     *zap.Logger
}

// NewConsumer creates a consumer for a specific routing key. Rejected
// messages are routed to <routingKey>.dlq. prefetch <= 0 leaves the broker
// default in place.
func NewConsumer(url, queueName, routingKey string, prefetch int, logger *zap.Logger) (*Consumer, error) {
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
		return fail("failed to declare dlq: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		deadLetterArgs(routingKey),
	)
	if err != nil {
		return fail("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		return fail("failed to bind queue: %w", err)
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fail("failed to set qos: %w", err)
		}
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
		zap.Int("prefetch", prefetch),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		tag:        queueName + ".consumer",
		logger:     logger,
	}, nil
}

// SetHandler settles each delivery with the handler's return value.
func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = func(ctx context.Context, data json.RawMessage, settle Settle) {
		settle(h(ctx, data))
	}
}

// SetAsyncHandler lets the handler settle deliveries after it returns. The
// broker's prefetch bounds how many stay unsettled.
func (c *Consumer) SetAsyncHandler(h AsyncMessageHandler) {
	c.handler = h
}

// Stop cancels the broker subscription. StartConsuming returns once the
// delivery channel drains.
func (c *Consumer) Stop() {
	if c.channel == nil {
		return
	}
	if err := c.channel.Cancel(c.tag, false); err != nil {
		c.logger.Warn("Failed to cancel consumer", zap.String("queue", c.queue.Name), zap.Error(err))
	}
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks until Stop is called, ctx is cancelled or the
// channel closes. Each delivery is acked or nacked exactly once; deliveries
// still held by an async handler must be settled before Close.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.tag,
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
				c.logger.Info("Delivery channel closed", zap.String("queue", c.queue.Name))
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(parent context.Context, msg amqp091.Delivery) {
	start := time.Now()
	ctx := deliveryContext(parent, msg.Headers)
	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name)

	var once sync.Once
	settle := func(err error) {
		once.Do(func() {
			defer span.End()
			metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start))
			if err != nil {
				span.RecordError(err)
			}
			c.settle(msg, err)
		})
	}

	// Panic 恢复：确保即使 handler panic 也能正确处理消息
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			settle(fmt.Errorf("%w: handler panic: %v", ErrDrop, r))
		}
	}()

	c.handler(ctx, msg.Body, settle)
}

func (c *Consumer) settle(msg amqp091.Delivery, err error) {
	ack, requeue := disposition(err)
	if ack {
		if err := msg.Ack(false); err != nil {
			c.logger.Error("Failed to ack message", zap.String("routing_key", c.routingKey), zap.Error(err))
		}
		return
	}

	c.logger.Warn("Handler rejected message",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
		zap.Bool("requeue", requeue),
		zap.Error(err),
	)
	if err := msg.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to nack message", zap.String("routing_key", c.routingKey), zap.Error(err))
	}
}

// disposition maps a handler result to ack/nack. ErrDrop is dead-lettered,
// other errors are requeued.
func disposition(err error) (ack bool, requeue bool) {
	switch {
	case err == nil:
		return true, false
	case errors.Is(err, ErrDrop):
		return false, false
	default:
		return false, true
	}
}

// deliveryContext restores the trace id and span context carried in headers.
func deliveryContext(parent context.Context, headers amqp091.Table) context.Context {
	ctx := otel.GetTextMapPropagator().Extract(parent, otel.NewMQHeaderCarrier(headers))
	if traceID, ok := headers[trace.HeaderName].(string); ok {
		ctx = trace.WithContext(ctx, traceID)
	}
	return ctx
}

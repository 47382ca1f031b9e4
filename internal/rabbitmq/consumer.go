package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer runs a Handler against the deliveries of a queue under the
// engine's retry policy.
type Consumer struct {
	engine        Executor
	prefetchCount int
	tagPrefix     string
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count of unbounded listens. Bounded
// listens always use 1.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the prefix of generated consumer tags
func WithConsumerTag(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(engine Executor, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		engine:        engine,
		prefetchCount: 1,
		tagPrefix:     "consumer",
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Listen consumes queue with handler.
//
// With timeout <= 0 it listens until ctx is done or handler fails. With a
// positive timeout it processes at most one message and returns nil when
// the deadline passes first. Every Listen call registers its own consumer
// tag and cancels it before returning. The deadline spans every retry of
// the listen.
func (c *Consumer) Listen(ctx context.Context, queue string, handler Handler, timeout time.Duration) error {
	topology := TopologyFor(queue)
	deadline := time.Now().Add(timeout)

	return c.engine.Execute(ctx, func(ctx context.Context, ch Channel) error {
		if err := topology.Declare(ch); err != nil {
			return err
		}

		prefetch := c.prefetchCount
		if timeout > 0 {
			prefetch = 1
		}
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}

		tag := c.tagPrefix + "-" + uuid.NewString()
		deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
		if err != nil {
			return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err}
		}
		defer c.cancel(ch, queue, tag)

		c.logger.Info("listening",
			"queue", queue,
			"consumerTag", tag,
			"timeout", timeout)

		if timeout > 0 {
			return c.listenOnce(ctx, queue, deliveries, handler, deadline)
		}
		return c.listen(ctx, queue, deliveries, handler)
	})
}

func (c *Consumer) listen(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("listen cancelled", "queue", queue)
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return ErrChannelClosed
			}

			if err := c.dispatch(ctx, queue, delivery, handler); err != nil {
				return err
			}
		}
	}
}

// listenOnce waits for a single delivery, checking the deadline at most one
// second apart.
func (c *Consumer) listenOnce(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler Handler, deadline time.Time) error {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.logger.Info("bounded listen timed out", "queue", queue, "deadline", deadline)
			return nil
		}

		timer := time.NewTimer(min(remaining, time.Second))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case delivery, ok := <-deliveries:
			timer.Stop()
			if !ok {
				c.logger.Warn("delivery channel closed during bounded listen", "queue", queue)
				return nil
			}
			return c.dispatch(ctx, queue, delivery, handler)

		case <-timer.C:
		}
	}
}

// dispatch runs the validate/consume contract for one delivery and settles it.
func (c *Consumer) dispatch(ctx context.Context, queue string, delivery amqp.Delivery, handler Handler) (err error) {
	msg := messageFromDelivery(delivery)
	logger := c.logger.With("queue", queue, "messageId", msg.Properties.MessageID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "panic", r)
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				logger.Error("failed to nack message", "error", nackErr)
			}
			err = &HandlerError{
				Queue:     queue,
				MessageID: msg.Properties.MessageID,
				Err:       fmt.Errorf("panic: %v", r),
				Timestamp: time.Now(),
			}
		}
	}()

	if !handler.Validate(msg) {
		logger.Warn("message rejected by validation")
		return delivery.Nack(false, false)
	}

	ok, consumeErr := handler.Consume(ctx, msg)
	if consumeErr != nil {
		logger.Error("failed to handle message", "error", consumeErr)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", consumeErr)
		}
		return &HandlerError{
			Queue:     queue,
			MessageID: msg.Properties.MessageID,
			Err:       consumeErr,
			Timestamp: time.Now(),
		}
	}

	if ok {
		logger.Debug("message acknowledged")
		return delivery.Ack(false)
	}

	logger.Info("message negatively acknowledged")
	return delivery.Nack(false, false)
}

func (c *Consumer) cancel(ch Channel, queue, tag string) {
	if ch.IsClosed() {
		return
	}
	if err := ch.Cancel(tag, false); err != nil {
		c.logger.Debug("failed to cancel consumer",
			"queue", queue,
			"consumerTag", tag,
			"error", err)
	}
}

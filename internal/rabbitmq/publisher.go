package rabbitmq

import (
	"context"
	"log/slog"
	"time"
)

// Publisher declares a queue's topology and publishes to it through the
// router exchange.
type Publisher struct {
	engine         Executor
	logger         *slog.Logger
	publishTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds a single publish call
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(engine Executor, options ...PublisherOption) *Publisher {
	p := &Publisher{
		engine:         engine,
		logger:         slog.Default(),
		publishTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends body to queue. props are merged over DefaultProperties.
// Topology declaration and the publish run inside one Execute call, so both
// are retried together when the connection drops.
func (p *Publisher) Publish(ctx context.Context, queue string, body []byte, props Properties) error {
	merged := DefaultProperties().Merge(props)
	topology := TopologyFor(queue)
	routingKey := topology.Binding.RoutingKey

	return p.engine.Execute(ctx, func(ctx context.Context, ch Channel) error {
		if err := topology.Declare(ch); err != nil {
			return err
		}

		pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()

		msg := merged.publishing(body)
		if err := ch.PublishWithContext(pubCtx, RouterExchange, routingKey, false, false, msg); err != nil {
			return &PublishError{Exchange: RouterExchange, RoutingKey: routingKey, Err: err}
		}

		p.logger.Debug("published message",
			"queue", queue,
			"correlationId", merged.CorrelationID,
			"messageId", merged.MessageID,
			"size", len(body))
		return nil
	})
}

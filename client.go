// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pipeline wires the broker engine of one worker process.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-pipeline/interceptors"
	"github.com/glimte/mmate-pipeline/internal/rabbitmq"
)

// Client owns the engine, publisher and consumer of a worker
type Client struct {
	engine       *rabbitmq.Engine
	publisher    *rabbitmq.Publisher
	consumer     *rabbitmq.Consumer
	interceptors []interceptors.Interceptor
	logger       *slog.Logger
}

type clientConfig struct {
	logger        *slog.Logger
	dialer        rabbitmq.Dialer
	engineOptions []rabbitmq.EngineOption
	consumerTag   string
	prefetch      int
	interceptors  []interceptors.Interceptor
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger of every component
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = dialer
	}
}

// WithEngineOptions passes options through to the engine
func WithEngineOptions(options ...rabbitmq.EngineOption) ClientOption {
	return func(c *clientConfig) {
		c.engineOptions = append(c.engineOptions, options...)
	}
}

// WithConsumerTag sets the consumer tag prefix
func WithConsumerTag(prefix string) ClientOption {
	return func(c *clientConfig) {
		c.consumerTag = prefix
	}
}

// WithPrefetchCount sets the prefetch of unbounded listens
func WithPrefetchCount(count int) ClientOption {
	return func(c *clientConfig) {
		c.prefetch = count
	}
}

// WithInterceptors wraps every handler passed to Run
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(c *clientConfig) {
		c.interceptors = append(c.interceptors, list...)
	}
}

// NewClient creates a client for cfg. It does not connect; the first broker
// operation does.
func NewClient(cfg rabbitmq.BrokerConfig, options ...ClientOption) (*Client, error) {
	conf := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(conf)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engineOptions := []rabbitmq.EngineOption{rabbitmq.WithLogger(conf.logger)}
	if conf.dialer != nil {
		engineOptions = append(engineOptions, rabbitmq.WithDialer(conf.dialer))
	}
	engine := rabbitmq.NewEngine(cfg, append(engineOptions, conf.engineOptions...)...)

	consumerOptions := []rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(conf.logger)}
	if conf.consumerTag != "" {
		consumerOptions = append(consumerOptions, rabbitmq.WithConsumerTag(conf.consumerTag))
	}
	if conf.prefetch > 0 {
		consumerOptions = append(consumerOptions, rabbitmq.WithPrefetchCount(conf.prefetch))
	}

	return &Client{
		engine:       engine,
		publisher:    rabbitmq.NewPublisher(engine, rabbitmq.WithPublisherLogger(conf.logger)),
		consumer:     rabbitmq.NewConsumer(engine, consumerOptions...),
		interceptors: conf.interceptors,
		logger:       conf.logger,
	}, nil
}

// Engine returns the broker engine
func (c *Client) Engine() *rabbitmq.Engine {
	return c.engine
}

// Publisher returns the publisher
func (c *Client) Publisher() *rabbitmq.Publisher {
	return c.publisher
}

// Consumer returns the consumer
func (c *Client) Consumer() *rabbitmq.Consumer {
	return c.consumer
}

// Run consumes queue with handler until ctx is done. A failed message is
// requeued and listening resumes; a broker failure ends Run.
func (c *Client) Run(ctx context.Context, queue string, handler rabbitmq.Handler) error {
	handler = interceptors.Chain(handler, c.interceptors...)
	c.logger.Info("worker listening", "queue", queue)

	for {
		err := c.consumer.Listen(ctx, queue, handler, 0)
		if ctx.Err() != nil {
			c.logger.Info("worker stopped", "queue", queue)
			return nil
		}

		if err != nil {
			if !rabbitmq.IsHandlerError(err) {
				return err
			}
			c.logger.Warn("message failed, resuming", "queue", queue, "error", err)
		}
	}
}

// Close releases the broker session
func (c *Client) Close() error {
	return c.engine.Close()
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Configuration errors
	ErrMissingConfig = errors.New("rabbitmq: missing connection configuration")

	// Transient errors, recovered by the engine
	ErrTimeout          = errors.New("rabbitmq: operation timeout")
	ErrConnectionClosed = errors.New("rabbitmq: connection is closed")
	ErrChannelClosed    = errors.New("rabbitmq: channel is closed")

	// Terminal engine errors
	ErrConnectFailed      = errors.New("rabbitmq: failed connecting to broker")
	ErrChannelUnavailable = errors.New("rabbitmq: unable to open a channel")
	ErrAttemptsExhausted  = errors.New("rabbitmq: maximum procedure attempts exceeded")
)

// Kind classifies an error returned by a channel procedure.
type Kind int

const (
	// KindFatal ends the supervising loop.
	KindFatal Kind = iota
	// KindTimeout is retried after a pause.
	KindTimeout
	// KindConnectionClosed is retried after reconnecting.
	KindConnectionClosed
	// KindChannelClosed is retried after reacquiring the channel.
	KindChannelClosed
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionClosed:
		return "connection_closed"
	case KindChannelClosed:
		return "channel_closed"
	default:
		return "fatal"
	}
}

// KindOf reports how the engine should treat err. Handler errors are always
// fatal, whatever they wrap.
func KindOf(err error) Kind {
	if err == nil {
		return KindFatal
	}

	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return KindFatal
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return KindFatal
	}

	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrConnectionClosed):
		return KindConnectionClosed
	case errors.Is(err, ErrChannelClosed):
		return KindChannelClosed
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ConnectionForced, amqp.FrameError, amqp.InternalError:
			return KindConnectionClosed
		case amqp.ChannelError:
			return KindChannelClosed
		}
		return KindFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	return KindFatal
}

// ConfigError reports missing or invalid connection parameters.
type ConfigError struct {
	Missing []string // Names of the absent settings
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMissingConfig, strings.Join(e.Missing, ", "))
}

func (e *ConfigError) Unwrap() error {
	return ErrMissingConfig
}

// BrokerError is the single error type returned across the engine boundary.
type BrokerError struct {
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("rabbitmq broker error: %s failed: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

func newBrokerError(op string, err error) *BrokerError {
	return &BrokerError{Op: op, Err: err, Timestamp: time.Now()}
}

// HandlerError reports that a specific message failed while being consumed.
type HandlerError struct {
	Queue     string    // Queue the message came from
	MessageID string    // Message id, if the publisher set one
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *HandlerError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("handler error: message %s on queue %s: %v", e.MessageID, e.Queue, e.Err)
	}
	return fmt.Sprintf("handler error: message on queue %s: %v", e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string // Component type (exchange, queue, binding)
	Name      string // Component name
	Op        string // Operation that failed
	Err       error  // Underlying error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string // Queue name
	ConsumerTag string // Consumer tag
	Op          string // Operation that failed
	Err         error  // Underlying error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string // Target exchange
	RoutingKey string // Routing key used
	Err        error  // Underlying error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsHandlerError reports whether err was caused by a failing message rather
// than by the broker.
func IsHandlerError(err error) bool {
	var handlerErr *HandlerError
	return errors.As(err, &handlerErr)
}
